package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert *models.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		RawRetention:       time.Hour,
		AggregateRetention: 7 * 24 * time.Hour,
		AlertRetention:     30 * 24 * time.Hour,
		RingCapacity:       100,
		NotifyMinSeverity:  "warning",
	}
}

type serviceClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *serviceClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *serviceClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *recordingNotifier, *serviceClock) {
	notifier := &recordingNotifier{}
	clock := &serviceClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(testMonitoringConfig(), notifier, zaptest.NewLogger(t), WithClock(clock.now))
	return svc, notifier, clock
}

func TestRecordMetrics_ComputesScore(t *testing.T) {
	svc, _, _ := newTestService(t)

	svc.RecordMetrics(context.Background(), models.ServerMetrics{
		ServerID:     "srv-1",
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		SuccessRate:  1,
	})

	score, ok := svc.GetHealthScore("srv-1")
	require.True(t, ok)
	assert.Equal(t, 100.0, score.Score)

	latest, ok := svc.LatestMetrics("srv-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", latest.ServerID)
}

func TestHighErrorRate_TriggersAlert(t *testing.T) {
	svc, notifier, _ := newTestService(t)

	svc.RecordMetrics(context.Background(), models.ServerMetrics{
		ServerID:     "srv-1",
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		ErrorRate:    0.5,
		SuccessRate:  0.96,
	})

	active := svc.GetActiveAlerts()
	require.NotEmpty(t, active)

	var found *models.Alert
	for _, a := range active {
		if a.RuleID == "default-error-rate" {
			found = a
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "srv-1", found.ServerID)
	assert.Equal(t, models.SeverityWarning, found.Severity)
	assert.Equal(t, 0.5, found.Value)
	assert.Equal(t, 1, notifier.count())
}

func TestAlertCooldown_SuppressesDuplicates(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	bad := models.ServerMetrics{
		ServerID:     "srv-1",
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		ErrorRate:    0.5,
		SuccessRate:  0.5,
	}

	svc.RecordMetrics(ctx, bad)
	clock.advance(time.Minute)
	svc.RecordMetrics(ctx, bad)

	count := 0
	for _, a := range svc.AlertHistory() {
		if a.RuleID == "default-error-rate" {
			count++
		}
	}
	assert.Equal(t, 1, count, "second firing inside the cooldown must be suppressed")

	// Past the 5 minute cooldown the rule may fire again.
	clock.advance(5 * time.Minute)
	svc.RecordMetrics(ctx, bad)

	count = 0
	for _, a := range svc.AlertHistory() {
		if a.RuleID == "default-error-rate" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestAlertCooldown_IsPerServer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	bad := models.ServerMetrics{
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		ErrorRate:    0.5,
		SuccessRate:  0.5,
	}

	bad.ServerID = "srv-1"
	svc.RecordMetrics(ctx, bad)
	bad.ServerID = "srv-2"
	svc.RecordMetrics(ctx, bad)

	servers := map[string]bool{}
	for _, a := range svc.AlertHistory() {
		if a.RuleID == "default-error-rate" {
			servers[a.ServerID] = true
		}
	}
	assert.True(t, servers["srv-1"])
	assert.True(t, servers["srv-2"])
}

func TestResolveAlert(t *testing.T) {
	svc, _, _ := newTestService(t)

	svc.RecordMetrics(context.Background(), models.ServerMetrics{
		ServerID:     "srv-1",
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		ErrorRate:    0.5,
		SuccessRate:  0.5,
	})

	active := svc.GetActiveAlerts()
	require.NotEmpty(t, active)
	id := active[0].ID

	require.NoError(t, svc.ResolveAlert(id))
	for _, a := range svc.GetActiveAlerts() {
		assert.NotEqual(t, id, a.ID)
	}
	assert.Error(t, svc.ResolveAlert("missing"))
}

func TestHandle_BreakerOpenedDelta(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.RecordMetrics(ctx, models.ServerMetrics{
		ServerID:     "srv-1",
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		SuccessRate:  1,
	})

	event := eventbus.NewEvent("srv-1", models.SeverityCritical, eventbus.BreakerOpenedPayload{
		Operation: "sync",
		Failures:  5,
	})
	require.NoError(t, svc.Handle(ctx, event))

	score, ok := svc.GetHealthScore("srv-1")
	require.True(t, ok)
	assert.Equal(t, 80.0, score.Score)
}

func TestHandle_UnknownServerStartsAtBaseline(t *testing.T) {
	svc, _, _ := newTestService(t)

	event := eventbus.NewEvent("srv-new", models.SeverityWarning, eventbus.HealthCheckFailedPayload{
		Error:               "dial refused",
		ConsecutiveFailures: 1,
	})
	require.NoError(t, svc.Handle(context.Background(), event))

	score, ok := svc.GetHealthScore("srv-new")
	require.True(t, ok)
	assert.Equal(t, 90.0, score.Score)
}

func TestCreateAndDeleteAlertRule(t *testing.T) {
	svc, _, _ := newTestService(t)

	rule := &models.AlertRule{
		ID:          "custom-queue",
		Name:        "Queue backlog",
		Metric:      "queue_depth",
		Operator:    models.OpGreaterThan,
		Threshold:   50,
		Duration:    time.Minute,
		Aggregation: models.AggMax,
		Severity:    models.SeverityWarning,
		Enabled:     true,
	}
	require.NoError(t, svc.CreateAlertRule(rule))

	ids := map[string]bool{}
	for _, r := range svc.Rules() {
		ids[r.ID] = true
	}
	assert.True(t, ids["custom-queue"])

	svc.DeleteAlertRule("custom-queue")
	for _, r := range svc.Rules() {
		assert.NotEqual(t, "custom-queue", r.ID)
	}
}

func TestCleanup_PrunesOldAlerts(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	svc.RecordMetrics(ctx, models.ServerMetrics{
		ServerID:     "srv-1",
		ResponseTime: 100 * time.Millisecond,
		Throughput:   10,
		ErrorRate:    0.5,
		SuccessRate:  0.5,
	})
	require.NotEmpty(t, svc.AlertHistory())

	for _, a := range svc.GetActiveAlerts() {
		require.NoError(t, svc.ResolveAlert(a.ID))
	}

	clock.advance(31 * 24 * time.Hour)
	require.NoError(t, svc.Cleanup(ctx))
	assert.Empty(t, svc.AlertHistory())
}
