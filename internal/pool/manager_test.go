package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/integration-fleet-dispatcher/ifd/internal/balancer"
	"github.com/integration-fleet-dispatcher/ifd/internal/breaker"
	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
	"github.com/integration-fleet-dispatcher/ifd/internal/transport"
)

type fakeExecutor struct {
	mu        sync.Mutex
	execCalls int
	execErrs  []error
	healthErr error
	delay     time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	idx := f.execCalls
	f.execCalls++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < len(f.execErrs) && f.execErrs[idx] != nil {
		return nil, f.execErrs[idx]
	}
	return []byte(`{"ok":true}`), nil
}

func (f *fakeExecutor) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeExecutor) Close() error { return nil }

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func (f *fakeExecutor) setHealthErr(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	samples []models.ServerMetrics
}

func (r *recordingSink) RecordMetrics(_ context.Context, m models.ServerMetrics) {
	r.mu.Lock()
	r.samples = append(r.samples, m)
	r.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (r *eventRecorder) Handle(_ context.Context, event *eventbus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) ofType(t eventbus.EventType) []*eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*eventbus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type managerFixture struct {
	manager   *Manager
	executors map[string]*fakeExecutor
	recorder  *eventRecorder
	sink      *recordingSink
	breaker   *breaker.CircuitBreaker
}

func newManagerFixture(t *testing.T) *managerFixture {
	logger := zaptest.NewLogger(t)

	breakerCfg := config.BreakerConfig{
		Default: config.BreakerProfile{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			VolumeThreshold:  3,
			Timeout:          time.Minute,
			WindowSize:       time.Minute,
		},
		StateTTL: 10 * time.Minute,
	}
	balancerCfg := config.BalancerConfig{
		DefaultStrategy:     "round_robin",
		VirtualNodes:        150,
		HistorySize:         100,
		LoadPenaltyMax:      30,
		LatencyPenaltyMax:   25,
		ErrorPenaltyMax:     25,
		OperationPenaltyMax: 20,
		MinWeight:           0.1,
		MaxWeight:           2.0,
	}
	poolCfg := config.PoolConfig{
		HealthCheckInterval: time.Minute,
		RebalanceInterval:   time.Minute,
		MaxRetries:          2,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		OperationTimeout:    time.Second,
		DrainTimeout:        time.Second,
	}

	recorder := &eventRecorder{}
	events := eventbus.NewDispatcher(logger, nil)
	events.SubscribeAll(recorder)

	cb := breaker.New(breakerCfg, breaker.NewMemoryStore(), logger, breaker.WithEvents(events))
	lb := balancer.New(balancerCfg, logger)
	sink := &recordingSink{}

	executors := map[string]*fakeExecutor{}
	factory := func(server *models.ServerConfig, _ *zap.Logger) (transport.Executor, error) {
		exec, ok := executors[server.ID]
		if !ok {
			exec = &fakeExecutor{}
			executors[server.ID] = exec
		}
		return exec, nil
	}

	m := NewManager(poolCfg, cb, lb, events, nil, logger,
		WithExecutorFactory(factory),
		WithMetricsSink(sink))

	return &managerFixture{
		manager:   m,
		executors: executors,
		recorder:  recorder,
		sink:      sink,
		breaker:   cb,
	}
}

func testServer(id string, ops ...string) *models.ServerConfig {
	if len(ops) == 0 {
		ops = []string{"sync_contacts"}
	}
	return &models.ServerConfig{
		ID:                  id,
		Name:                id,
		Endpoint:            "https://" + id + ".example.com",
		Protocol:            models.ProtocolHTTP,
		Priority:            models.PriorityHigh,
		SupportedOperations: ops,
		MaxConnections:      10,
	}
}

func TestRegisterServer_Validation(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.ServerConfig)
	}{
		{"missing id", func(s *models.ServerConfig) { s.ID = "" }},
		{"missing endpoint", func(s *models.ServerConfig) { s.Endpoint = "" }},
		{"bad protocol", func(s *models.ServerConfig) { s.Protocol = "ftp" }},
		{"bad priority", func(s *models.ServerConfig) { s.Priority = "urgent" }},
		{"no operations", func(s *models.ServerConfig) { s.SupportedOperations = nil }},
		{"zero capacity", func(s *models.ServerConfig) { s.MaxConnections = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testServer("srv-1")
			tt.mutate(server)
			err := fx.manager.RegisterServer(ctx, server)
			var cfgErr *models.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestRegisterServer_DuplicateRejected(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))
	err := fx.manager.RegisterServer(ctx, testServer("srv-1"))
	var cfgErr *models.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRegisterServer_EmitsConnectedEvent(t *testing.T) {
	fx := newManagerFixture(t)

	require.NoError(t, fx.manager.RegisterServer(context.Background(), testServer("srv-1")))

	events := fx.recorder.ofType(eventbus.EventServerConnected)
	require.Len(t, events, 1)
	assert.Equal(t, "srv-1", events[0].ServerID)
}

func TestExecuteOperation_Success(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	resp, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
		TraceID:   "trace-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "srv-1", resp.ServerID)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, 1, resp.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))

	completed := fx.recorder.ofType(eventbus.EventOperationCompleted)
	require.Len(t, completed, 1)
}

func TestExecuteOperation_UnsupportedOperation(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1", "sync_contacts")))

	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		Operation: "send_invoice",
	})
	var noServer *models.NoEligibleServerError
	require.ErrorAs(t, err, &noServer)
}

func TestExecuteOperation_SkipsInactiveServers(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))
	require.NoError(t, fx.manager.SetServerStatus("srv-1", models.ServerStatusMaintenance))

	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		Operation: "sync_contacts",
	})
	var noServer *models.NoEligibleServerError
	require.ErrorAs(t, err, &noServer)
}

func TestExecuteOperation_RetriesUntilSuccess(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	fx.executors["srv-1"] = &fakeExecutor{
		execErrs: []error{errors.New("transient"), errors.New("transient"), nil},
	}
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	resp, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Len(t, fx.recorder.ofType(eventbus.EventOperationRetried), 2)
}

func TestExecuteOperation_TerminalFailure(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	boom := errors.New("backend down")
	fx.executors["srv-1"] = &fakeExecutor{execErrs: []error{boom, boom}}
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	// Two failures stay under the volume threshold, so the error is the
	// executor's, not a breaker rejection.
	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
		Retry:     &models.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond},
	})
	require.Error(t, err)
	var opErr *models.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "srv-1", opErr.ServerID)
	assert.Equal(t, 2, opErr.Attempts)
	assert.Len(t, fx.recorder.ofType(eventbus.EventOperationFailed), 1)
}

func TestExecuteOperation_BreakerOpensAndFailsFast(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	boom := errors.New("backend down")
	exec := &fakeExecutor{execErrs: []error{boom, boom, boom, boom, boom}}
	fx.executors["srv-1"] = exec
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	// Three failures inside the window trip the breaker mid-retry; the
	// breaker rejection ends the retry loop immediately.
	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
		Retry:     &models.RetryConfig{MaxRetries: 4, BaseDelay: time.Millisecond},
	})
	var open *models.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 3, exec.calls())
	assert.False(t, open.NextAttempt.IsZero())

	require.Len(t, fx.recorder.ofType(eventbus.EventBreakerOpened), 1)

	// The open breaker now filters the server out of the candidate set.
	_, err = fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		Operation: "sync_contacts",
	})
	var noServer *models.NoEligibleServerError
	require.ErrorAs(t, err, &noServer)
	assert.Equal(t, 3, exec.calls(), "no request may reach an open server")
}

func TestExecuteOperation_TimeoutMapsToTimeoutError(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	fx.executors["srv-1"] = &fakeExecutor{delay: 200 * time.Millisecond}
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
		Timeout:   10 * time.Millisecond,
		Retry:     &models.RetryConfig{MaxRetries: 0},
	})
	var timeout *models.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "srv-1", timeout.ServerID)
}

func TestHealthCheck_FailoverAfterConsecutiveFailures(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	for _, id := range []string{"srv-1", "srv-2", "srv-3"} {
		require.NoError(t, fx.manager.RegisterServer(ctx, testServer(id)))
	}
	_, err := fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin,
		[]string{"srv-1", "srv-2", "srv-3"})
	require.NoError(t, err)

	fx.executors["srv-1"].setHealthErr(errors.New("probe refused"))

	for i := 0; i < 3; i++ {
		require.NoError(t, fx.manager.HealthCheckAll(ctx))
	}

	failed := fx.recorder.ofType(eventbus.EventHealthCheckFailed)
	assert.Len(t, failed, 3)

	failovers := fx.recorder.ofType(eventbus.EventFailoverTriggered)
	require.Len(t, failovers, 1)
	payload, ok := failovers[0].Payload.(eventbus.FailoverTriggeredPayload)
	require.True(t, ok)
	assert.Equal(t, "pool-1", payload.PoolID)
	assert.Equal(t, "srv-1", payload.FailedID)

	// Recovery emits a single recovered event.
	fx.executors["srv-1"].setHealthErr(nil)
	require.NoError(t, fx.manager.HealthCheckAll(ctx))
	require.NoError(t, fx.manager.HealthCheckAll(ctx))
	assert.Len(t, fx.recorder.ofType(eventbus.EventHealthCheckRecovered), 1)
}

func TestCreatePool_Validation(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	_, err := fx.manager.CreatePool("", "crm", balancer.StrategyRoundRobin, []string{"srv-1"})
	assert.Error(t, err)

	_, err = fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin, nil)
	assert.Error(t, err)

	_, err = fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin, []string{"ghost"})
	assert.Error(t, err)

	_, err = fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin, []string{"srv-1"})
	require.NoError(t, err)

	_, err = fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin, []string{"srv-1"})
	assert.Error(t, err, "duplicate pool id")
}

func TestGetPoolStatistics(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-2")))
	_, err := fx.manager.CreatePool("pool-1", "crm", balancer.StrategyLeastConnections,
		[]string{"srv-1", "srv-2"})
	require.NoError(t, err)

	stats, err := fx.manager.GetPoolStatistics("pool-1")
	require.NoError(t, err)
	assert.Equal(t, "pool-1", stats.PoolID)
	assert.Equal(t, 2, stats.TotalServers)
	assert.Equal(t, 20, stats.TotalCapacity)
	assert.Equal(t, 0, stats.UsedCapacity)

	_, err = fx.manager.GetPoolStatistics("ghost")
	assert.Error(t, err)
}

func TestRebalance_MarksUnhealthyServersFailed(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-2")))
	_, err := fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin,
		[]string{"srv-1", "srv-2"})
	require.NoError(t, err)

	fx.executors["srv-2"].setHealthErr(errors.New("probe refused"))
	require.NoError(t, fx.manager.HealthCheckAll(ctx))

	require.NoError(t, fx.manager.Rebalance(ctx, "pool-1"))

	stats, err := fx.manager.GetPoolStatistics("pool-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, stats.ActiveServers)
	assert.Equal(t, []string{"srv-2"}, stats.FailedServers)

	assert.Len(t, fx.recorder.ofType(eventbus.EventRebalanceStarted), 1)
	assert.Len(t, fx.recorder.ofType(eventbus.EventRebalanceCompleted), 1)

	assert.Error(t, fx.manager.Rebalance(ctx, "ghost"))
}

func TestRebalance_ClassifiesMaintenanceServers(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-2")))
	_, err := fx.manager.CreatePool("pool-1", "crm", balancer.StrategyRoundRobin,
		[]string{"srv-1", "srv-2"})
	require.NoError(t, err)

	require.NoError(t, fx.manager.SetServerStatus("srv-2", models.ServerStatusMaintenance))
	require.NoError(t, fx.manager.Rebalance(ctx, "pool-1"))

	stats, err := fx.manager.GetPoolStatistics("pool-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, stats.ActiveServers)
	assert.Equal(t, []string{"srv-2"}, stats.MaintenanceServers)
	assert.Empty(t, stats.FailedServers)
}

func TestRebalance_ShiftsWeightedTraffic(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-a")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-b")))
	_, err := fx.manager.CreatePool("pool-1", "crm", balancer.StrategyWeightedRoundRobin,
		[]string{"srv-a", "srv-b"})
	require.NoError(t, err)

	// Load srv-a well above the pool mean so the rebalancer shifts
	// routing weight toward srv-b.
	connA := fx.manager.conns["srv-a"]
	for i := 0; i < 10; i++ {
		connA.acquire()
	}
	require.NoError(t, fx.manager.Rebalance(ctx, "pool-1"))
	for i := 0; i < 10; i++ {
		connA.release()
	}

	completed := fx.recorder.ofType(eventbus.EventRebalanceCompleted)
	require.Len(t, completed, 1)
	payload, ok := completed[0].Payload.(eventbus.RebalanceCompletedPayload)
	require.True(t, ok)
	assert.InDelta(t, 0.8, payload.WeightAdjusted["srv-a"], 1e-9)
	assert.InDelta(t, 1.2, payload.WeightAdjusted["srv-b"], 1e-9)

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		resp, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
			PoolID:    "pool-1",
			Operation: "sync_contacts",
		})
		require.NoError(t, err)
		counts[resp.ServerID]++
	}
	assert.Greater(t, counts["srv-b"], counts["srv-a"],
		"down-weighted server should receive less traffic, got %v", counts)
}

func TestSetServerStatus_ConcurrentWithDispatch(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-2")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			status := models.ServerStatusActive
			if i%2 == 0 {
				status = models.ServerStatusMaintenance
			}
			assert.NoError(t, fx.manager.SetServerStatus("srv-1", status))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			// srv-2 stays active, so dispatch always has a target even
			// while srv-1 flaps.
			_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
				Operation: "sync_contacts",
			})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
}

func TestExecuteOperation_LeastConnectionsAvoidsLoadedServer(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-a")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-b")))
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-c")))
	_, err := fx.manager.CreatePool("pool-1", "crm", balancer.StrategyLeastConnections,
		[]string{"srv-a", "srv-b", "srv-c"})
	require.NoError(t, err)

	// Pin srv-a above any connection count the other two can reach with
	// ten requests in flight.
	connA := fx.manager.conns["srv-a"]
	for i := 0; i < 6; i++ {
		connA.acquire()
	}
	for _, exec := range fx.executors {
		exec.mu.Lock()
		exec.delay = 5 * time.Millisecond
		exec.mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
				PoolID:    "pool-1",
				Operation: "sync_contacts",
			})
			if assert.NoError(t, err) {
				assert.NotEqual(t, "srv-a", resp.ServerID)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, fx.executors["srv-a"].calls())
	assert.Equal(t, 10, fx.executors["srv-b"].calls()+fx.executors["srv-c"].calls())
}

func TestCollectMetrics_FeedsSink(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
	})
	require.NoError(t, err)

	require.NoError(t, fx.manager.CollectMetrics(ctx))

	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	require.Len(t, fx.sink.samples, 1)
	sample := fx.sink.samples[0]
	assert.Equal(t, "srv-1", sample.ServerID)
	assert.Equal(t, int64(1), sample.TotalRequests)
	assert.Equal(t, int64(1), sample.SuccessfulRequests)
}

func TestShutdown_RejectsNewOperations(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.RegisterServer(ctx, testServer("srv-1")))

	require.NoError(t, fx.manager.Shutdown(ctx))

	_, err := fx.manager.ExecuteOperation(ctx, &models.OperationRequest{
		ServerID:  "srv-1",
		Operation: "sync_contacts",
	})
	require.Error(t, err)

	disconnected := fx.recorder.ofType(eventbus.EventServerDisconnected)
	require.Len(t, disconnected, 1)
}

func TestConnection_EMASmoothing(t *testing.T) {
	conn := newConnection(testServer("srv-1"), &fakeExecutor{})

	conn.recordResult(100*time.Millisecond, true)
	assert.Equal(t, 100*time.Millisecond, conn.snapshot().AvgResponseTime)

	// One slow outlier moves the average by alpha, not to the outlier.
	conn.recordResult(1100*time.Millisecond, true)
	snap := conn.snapshot()
	assert.InDelta(t, float64(300*time.Millisecond), float64(snap.AvgResponseTime), float64(time.Millisecond))

	conn.recordResult(100*time.Millisecond, false)
	snap = conn.snapshot()
	assert.Less(t, snap.SuccessRate, 1.0)
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
}
