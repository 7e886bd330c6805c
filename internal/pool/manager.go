// Package pool is the top-level orchestrator: it owns the server registry,
// pools and connections, and routes each operation through the circuit
// breaker and load balancer to a selected server.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/balancer"
	"github.com/integration-fleet-dispatcher/ifd/internal/breaker"
	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/logging"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
	"github.com/integration-fleet-dispatcher/ifd/internal/scheduler"
	"github.com/integration-fleet-dispatcher/ifd/internal/telemetry"
	"github.com/integration-fleet-dispatcher/ifd/internal/transport"
)

// MetricsSink receives the periodic per-server metrics samples.
type MetricsSink interface {
	RecordMetrics(ctx context.Context, m models.ServerMetrics)
}

// ExecutorFactory builds the transport executor for a server. Tests swap
// in fakes.
type ExecutorFactory func(server *models.ServerConfig, logger *zap.Logger) (transport.Executor, error)

// Manager orchestrates operation dispatch across the fleet.
type Manager struct {
	cfg      config.PoolConfig
	logger   *zap.Logger
	breaker  *breaker.CircuitBreaker
	lb       *balancer.LoadBalancer
	events   eventbus.Bus
	sink     MetricsSink
	sched    *scheduler.Scheduler
	executor ExecutorFactory

	mu    sync.RWMutex
	conns map[string]*Connection
	pools map[string]*Pool

	inflight sync.WaitGroup
	drainMu  sync.RWMutex
	draining bool

	collectMu     sync.Mutex
	lastTotals    map[string]int64
	lastCollectAt time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutorFactory overrides transport executor construction.
func WithExecutorFactory(f ExecutorFactory) Option {
	return func(m *Manager) { m.executor = f }
}

// WithMetricsSink wires the monitoring service.
func WithMetricsSink(sink MetricsSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager creates a pool manager. The scheduler carries the manager's
// periodic tasks; Start registers and launches them.
func NewManager(cfg config.PoolConfig, cb *breaker.CircuitBreaker, lb *balancer.LoadBalancer, events eventbus.Bus, sched *scheduler.Scheduler, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		breaker:    cb,
		lb:         lb,
		events:     events,
		sched:      sched,
		executor:   transport.NewExecutor,
		conns:      make(map[string]*Connection),
		pools:      make(map[string]*Pool),
		lastTotals: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers the manager's periodic tasks with the scheduler.
func (m *Manager) Start(ctx context.Context) error {
	if m.sched == nil {
		return nil
	}
	if err := m.sched.Register("health-check", m.cfg.HealthCheckInterval, m.HealthCheckAll); err != nil {
		return err
	}
	if err := m.sched.Register("rebalance", m.cfg.RebalanceInterval, m.RebalanceAll); err != nil {
		return err
	}
	if err := m.sched.Register("metrics-collection", 15*time.Second, m.CollectMetrics); err != nil {
		return err
	}
	if err := m.sched.Register("profile-refresh", m.lb.ProfileRefreshInterval(), func(context.Context) error {
		m.lb.RefreshProfiles()
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// RegisterServer validates and registers a server, establishing its
// connection.
func (m *Manager) RegisterServer(ctx context.Context, server *models.ServerConfig) error {
	if err := validateServer(server); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.conns[server.ID]; exists {
		m.mu.Unlock()
		return &models.ConfigError{Field: "id", Reason: fmt.Sprintf("server %q already registered", server.ID)}
	}

	now := time.Now()
	server.Status = models.ServerStatusActive
	server.RegisteredAt = now
	server.UpdatedAt = now

	exec, err := m.executor(server, m.logger)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to create executor for %s: %w", server.ID, err)
	}
	m.conns[server.ID] = newConnection(server, exec)
	m.mu.Unlock()

	m.logger.Info("server registered",
		zap.String("server_id", server.ID),
		zap.String("endpoint", server.Endpoint),
		zap.String("protocol", string(server.Protocol)),
		zap.String("priority", string(server.Priority)))

	m.publish(ctx, eventbus.NewEvent(server.ID, models.SeverityInfo, eventbus.ServerConnectedPayload{
		Endpoint: server.Endpoint,
		Protocol: server.Protocol,
	}))
	return nil
}

func validateServer(server *models.ServerConfig) error {
	if server == nil {
		return &models.ConfigError{Field: "server", Reason: "server config is required"}
	}
	if server.ID == "" {
		return &models.ConfigError{Field: "id", Reason: "server id is required"}
	}
	if server.Endpoint == "" {
		return &models.ConfigError{Field: "endpoint", Reason: "endpoint is required"}
	}
	switch server.Protocol {
	case models.ProtocolWebSocket, models.ProtocolHTTP, models.ProtocolGRPC:
	default:
		return &models.ConfigError{Field: "protocol", Reason: fmt.Sprintf("unsupported protocol %q", server.Protocol)}
	}
	switch server.Priority {
	case models.PriorityCritical, models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		return &models.ConfigError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", server.Priority)}
	}
	if len(server.SupportedOperations) == 0 {
		return &models.ConfigError{Field: "supported_operations", Reason: "at least one operation is required"}
	}
	if server.MaxConnections <= 0 {
		return &models.ConfigError{Field: "max_connections", Reason: "max_connections must be positive"}
	}
	return nil
}

// SetServerStatus changes a server's lifecycle status. Servers are never
// deleted while configured, only deactivated.
func (m *Manager) SetServerStatus(serverID string, status models.ServerStatus) error {
	m.mu.RLock()
	conn, ok := m.conns[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server %s not registered", serverID)
	}

	conn.setStatus(status)

	m.logger.Info("server status changed",
		zap.String("server_id", serverID),
		zap.String("status", string(status)))
	return nil
}

// CreatePool groups registered servers into a named pool with a strategy.
func (m *Manager) CreatePool(id, name string, strategy balancer.Strategy, serverIDs []string) (*Pool, error) {
	if id == "" {
		return nil, &models.ConfigError{Field: "pool_id", Reason: "pool id is required"}
	}
	if len(serverIDs) == 0 {
		return nil, &models.ConfigError{Field: "servers", Reason: "a pool needs at least one server"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[id]; exists {
		return nil, &models.ConfigError{Field: "pool_id", Reason: fmt.Sprintf("pool %q already exists", id)}
	}

	members := make([]*models.ServerConfig, 0, len(serverIDs))
	for _, sid := range serverIDs {
		conn, ok := m.conns[sid]
		if !ok {
			return nil, &models.ConfigError{Field: "servers", Reason: fmt.Sprintf("server %q not registered", sid)}
		}
		members = append(members, conn.Server)
	}

	p := newPool(id, name, strategy, members)
	m.pools[id] = p

	m.logger.Info("pool created",
		zap.String("pool_id", id),
		zap.Int("members", len(members)),
		zap.String("strategy", string(strategy)))
	return p, nil
}

// GetPoolStatistics snapshots one pool for the query surface.
func (m *Manager) GetPoolStatistics(poolID string) (*models.PoolStatistics, error) {
	m.mu.RLock()
	p, ok := m.pools[poolID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pool %s not found", poolID)
	}
	return p.statistics(func(serverID string) (int, int) {
		m.mu.RLock()
		conn, ok := m.conns[serverID]
		m.mu.RUnlock()
		if !ok {
			return 0, 0
		}
		snap := conn.snapshot()
		return conn.Server.MaxConnections, snap.Active
	}), nil
}

// Pools lists pool ids.
func (m *Manager) Pools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for id := range m.pools {
		out = append(out, id)
	}
	return out
}

// ServerHealth returns the manager's liveness view of one server. This is
// distinct from circuit-breaker state: health reflects probes, the breaker
// reflects operation failure rate.
func (m *Manager) ServerHealth(serverID string) (Snapshot, error) {
	m.mu.RLock()
	conn, ok := m.conns[serverID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("server %s not registered", serverID)
	}
	return conn.snapshot(), nil
}

// Servers lists registered server configs.
func (m *Manager) Servers() []*models.ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ServerConfig, 0, len(m.conns))
	for _, conn := range m.conns {
		cp := conn.configCopy()
		out = append(out, &cp)
	}
	return out
}

// ExecuteOperation resolves the eligible server set, picks a server and
// runs the operation with bounded retry. Breaker-open errors are returned
// immediately and never retried.
func (m *Manager) ExecuteOperation(ctx context.Context, req *models.OperationRequest) (*models.OperationResponse, error) {
	m.drainMu.RLock()
	if m.draining {
		m.drainMu.RUnlock()
		return nil, errors.New("pool manager is shutting down")
	}
	m.inflight.Add(1)
	m.drainMu.RUnlock()
	defer m.inflight.Done()

	if req.Operation == "" {
		return nil, &models.ConfigError{Field: "operation", Reason: "operation name is required"}
	}

	ctx, span := telemetry.StartSpan(ctx, "pool.execute_operation")
	defer span.End()
	start := time.Now()

	candidates, strategy, err := m.resolveCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	selection, err := m.lb.SelectServer(ctx, candidates, req, strategy)
	if err != nil {
		return nil, err
	}

	resp, err := m.executeWithRetry(ctx, req, selection.Server.ID)
	result := "success"
	if err != nil {
		result = "failure"
		m.logger.Warn("operation dispatch failed",
			append(logging.TraceFields(span),
				zap.String("operation", req.Operation),
				zap.String("server_id", selection.Server.ID),
				zap.Error(err))...)
	}
	telemetry.IncrementCounter(ctx, "ifd_operations_total",
		attribute.String("operation", req.Operation),
		attribute.String("server", selection.Server.ID),
		attribute.String("result", result))
	telemetry.RecordDuration(ctx, "ifd_operation", start,
		attribute.String("operation", req.Operation))
	return resp, err
}

// resolveCandidates applies the serverId > poolId > global precedence and
// the lifecycle/capability filters, attaching breaker state for the
// balancer's breaker filter.
func (m *Manager) resolveCandidates(ctx context.Context, req *models.OperationRequest) ([]balancer.Candidate, balancer.Strategy, error) {
	var strategy balancer.Strategy

	m.mu.RLock()
	defer m.mu.RUnlock()

	var conns []*Connection
	switch {
	case req.ServerID != "":
		conn, ok := m.conns[req.ServerID]
		if !ok {
			return nil, "", &models.NoEligibleServerError{Operation: req.Operation, Reason: fmt.Sprintf("server %q not registered", req.ServerID)}
		}
		conns = []*Connection{conn}
	case req.PoolID != "":
		p, ok := m.pools[req.PoolID]
		if !ok {
			return nil, "", &models.NoEligibleServerError{Operation: req.Operation, Reason: fmt.Sprintf("pool %q not found", req.PoolID)}
		}
		strategy = p.Strategy
		for _, sid := range p.Members() {
			if conn, ok := m.conns[sid]; ok {
				conns = append(conns, conn)
			}
		}
	default:
		for _, conn := range m.conns {
			conns = append(conns, conn)
		}
	}

	candidates := make([]balancer.Candidate, 0, len(conns))
	for _, conn := range conns {
		if conn.status() != models.ServerStatusActive {
			continue
		}
		if !conn.Server.Supports(req.Operation) {
			continue
		}
		snap := conn.snapshot()
		candidates = append(candidates, balancer.Candidate{
			Server:          conn.Server,
			ActiveConns:     snap.Active,
			AvgResponseTime: snap.AvgResponseTime,
			ErrorRate:       snap.ErrorRate,
			RoutingWeight:   snap.RoutingWeight,
			BreakerState:    m.breaker.State(ctx, breaker.Key{ServerID: conn.Server.ID, Operation: req.Operation}),
		})
	}

	if len(candidates) == 0 {
		return nil, "", &models.NoEligibleServerError{
			Operation: req.Operation,
			Reason:    "no active server supports this operation",
		}
	}
	return candidates, strategy, nil
}

func (m *Manager) executeWithRetry(ctx context.Context, req *models.OperationRequest, serverID string) (*models.OperationResponse, error) {
	retry := req.Retry
	if retry == nil {
		retry = &models.RetryConfig{
			MaxRetries:  m.cfg.MaxRetries,
			BaseDelay:   m.cfg.RetryBaseDelay,
			MaxDelay:    m.cfg.RetryMaxDelay,
			Exponential: true,
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		attempts++
		data, duration, err := m.executeOnce(ctx, req, serverID)
		if err == nil {
			m.publish(ctx, eventbus.NewEvent(serverID, models.SeverityInfo, eventbus.OperationCompletedPayload{
				Operation: req.Operation,
				Duration:  duration,
				Attempts:  attempts,
			}).WithCorrelation(req.TraceID))
			return &models.OperationResponse{
				Status:        "success",
				Data:          data,
				ExecutionTime: duration,
				ServerID:      serverID,
				TraceID:       req.TraceID,
				Attempts:      attempts,
			}, nil
		}
		lastErr = err

		var open *models.CircuitOpenError
		if errors.As(err, &open) {
			// Fail fast; breaker rejections are never retried.
			return nil, err
		}

		if attempt < retry.MaxRetries {
			delay := backoffDelay(retry, attempt)
			m.publish(ctx, eventbus.NewEvent(serverID, models.SeverityWarning, eventbus.OperationRetriedPayload{
				Operation: req.Operation,
				Attempt:   attempt + 1,
				Delay:     delay,
			}).WithCorrelation(req.TraceID))

			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = retry.MaxRetries // stop retrying
			case <-time.After(delay):
			}
		}
	}

	m.publish(ctx, eventbus.NewEvent(serverID, models.SeverityCritical, eventbus.OperationFailedPayload{
		Operation: req.Operation,
		Error:     lastErr.Error(),
		Attempts:  attempts,
	}).WithCorrelation(req.TraceID))

	var timeout *models.TimeoutError
	if errors.As(lastErr, &timeout) {
		return nil, lastErr
	}
	return nil, &models.OperationError{
		ServerID:  serverID,
		Operation: req.Operation,
		Attempts:  attempts,
		Err:       lastErr,
	}
}

// executeOnce runs one attempt through the breaker with the operation
// deadline applied. A deadline overrun counts as a breaker failure.
func (m *Manager) executeOnce(ctx context.Context, req *models.OperationRequest, serverID string) ([]byte, time.Duration, error) {
	m.mu.RLock()
	conn, ok := m.conns[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("server %s disappeared from registry", serverID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.OperationTimeout
	}

	key := breaker.Key{ServerID: serverID, Operation: req.Operation}

	var data []byte
	start := time.Now()
	err := m.breaker.Execute(ctx, key, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn.acquire()
		defer conn.release()

		var execErr error
		data, execErr = conn.Executor.Execute(opCtx, req.Operation, req.Payload)
		if execErr != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return &models.TimeoutError{ServerID: serverID, Operation: req.Operation, Deadline: timeout}
		}
		return execErr
	})
	duration := time.Since(start)

	var open *models.CircuitOpenError
	if !errors.As(err, &open) {
		conn.recordResult(duration, err == nil)
		m.lb.RecordResult(serverID, req.Operation, duration, err == nil)
	}
	return data, duration, err
}

func backoffDelay(retry *models.RetryConfig, attempt int) time.Duration {
	delay := retry.BaseDelay
	if retry.Exponential {
		delay = retry.BaseDelay << uint(attempt)
	}
	if retry.MaxDelay > 0 && delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}
	// Full jitter keeps retry storms from synchronizing.
	if delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay))) + delay/2
	}
	if retry.MaxDelay > 0 && delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}
	return delay
}

func (m *Manager) publish(ctx context.Context, event *eventbus.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

// Shutdown drains in-flight operations bounded by the caller's context,
// then closes every connection. Background intervals are cancelled by the
// scheduler's owner before draining begins.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.drainMu.Lock()
	m.draining = true
	m.drainMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("drain timeout exceeded, closing connections with operations in flight")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.conns {
		if err := conn.Executor.Close(); err != nil {
			m.logger.Warn("failed to close connection",
				zap.String("server_id", id),
				zap.Error(err))
		}
		m.publish(context.Background(), eventbus.NewEvent(id, models.SeverityInfo, eventbus.ServerDisconnectedPayload{
			Reason: "shutdown",
		}))
	}

	m.logger.Info("pool manager terminated", zap.Int("connections_closed", len(m.conns)))
	return nil
}
