// Package monitoring ingests metrics and lifecycle events, scores fleet
// health and evaluates alert rules.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
	"github.com/integration-fleet-dispatcher/ifd/internal/notify"
)

// Service aggregates metrics over time windows, computes per-server health
// scores, evaluates alert rules and emits alerts.
type Service struct {
	cfg      config.MonitoringConfig
	logger   *zap.Logger
	notifier notify.Notifier

	mu         sync.RWMutex
	raw        map[string]*metricsRing
	aggregates map[string][]models.AggregatedMetrics
	scores     map[string]*models.HealthScore
	rules      map[string]*models.AlertRule
	alerts     []*models.Alert
	cooldowns  map[string]time.Time

	now func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a monitoring service with the default alert rules
// installed.
func NewService(cfg config.MonitoringConfig, notifier notify.Notifier, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 1000
	}
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		notifier:   notifier,
		raw:        make(map[string]*metricsRing),
		aggregates: make(map[string][]models.AggregatedMetrics),
		scores:     make(map[string]*models.HealthScore),
		rules:      make(map[string]*models.AlertRule),
		cooldowns:  make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, rule := range defaultRules() {
		s.rules[rule.ID] = rule
	}
	return s
}

// RecordMetrics ingests one sample, recomputes the server's health score
// and evaluates alert rules against the updated window.
func (s *Service) RecordMetrics(ctx context.Context, m models.ServerMetrics) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}

	s.mu.Lock()
	ring, ok := s.raw[m.ServerID]
	if !ok {
		ring = newMetricsRing(s.cfg.RingCapacity)
		s.raw[m.ServerID] = ring
	}
	ring.push(m)
	s.scores[m.ServerID] = scoreFromSample(m, s.now())
	s.mu.Unlock()

	s.evaluateRules(ctx, m.ServerID)
}

// Handle consumes lifecycle events, applying incremental deltas to the
// affected server's score. Implements eventbus.Handler.
func (s *Service) Handle(ctx context.Context, event *eventbus.Event) error {
	delta, ok := eventDelta(event.Type)
	if !ok || event.ServerID == "" {
		return nil
	}

	s.mu.Lock()
	score, exists := s.scores[event.ServerID]
	if !exists {
		score = &models.HealthScore{ServerID: event.ServerID, Score: 100}
		s.scores[event.ServerID] = score
	}
	applyEventDelta(score, delta, s.now())
	s.mu.Unlock()
	return nil
}

func eventDelta(t eventbus.EventType) (float64, bool) {
	switch t {
	case eventbus.EventServerConnected, eventbus.EventHealthCheckRecovered:
		return 5, true
	case eventbus.EventServerDisconnected, eventbus.EventHealthCheckFailed:
		return -10, true
	case eventbus.EventBreakerOpened:
		return -20, true
	case eventbus.EventBreakerClosed:
		return 5, true
	case eventbus.EventOperationCompleted:
		return 1, true
	case eventbus.EventOperationFailed:
		return -2, true
	default:
		return 0, false
	}
}

// GetHealthScore returns the current score for one server.
func (s *Service) GetHealthScore(serverID string) (*models.HealthScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[serverID]
	if !ok {
		return nil, false
	}
	cp := *score
	return &cp, true
}

// FleetOverview returns every server's current health score.
func (s *Service) FleetOverview() []*models.HealthScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.HealthScore, 0, len(s.scores))
	for _, score := range s.scores {
		cp := *score
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// LatestMetrics returns the most recent raw sample for one server.
func (s *Service) LatestMetrics(serverID string) (models.ServerMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring, ok := s.raw[serverID]
	if !ok {
		return models.ServerMetrics{}, false
	}
	return ring.latest()
}

// Aggregates returns the stored rollups for one server and window.
func (s *Service) Aggregates(serverID string, window models.AggregationWindow) []models.AggregatedMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AggregatedMetrics, 0)
	for _, agg := range s.aggregates[serverID] {
		if agg.Window == window {
			out = append(out, agg)
		}
	}
	return out
}

// Cleanup prunes raw samples, aggregates and alert history past their
// independent retention windows. Scheduled hourly.
func (s *Service) Cleanup(ctx context.Context) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rawCutoff := now.Add(-s.cfg.RawRetention)
	for _, ring := range s.raw {
		ring.dropBefore(rawCutoff)
	}

	aggCutoff := now.Add(-s.cfg.AggregateRetention)
	for serverID, aggs := range s.aggregates {
		kept := aggs[:0]
		for _, agg := range aggs {
			if agg.End.After(aggCutoff) {
				kept = append(kept, agg)
			}
		}
		s.aggregates[serverID] = kept
	}

	alertCutoff := now.Add(-s.cfg.AlertRetention)
	keptAlerts := s.alerts[:0]
	for _, alert := range s.alerts {
		if alert.CreatedAt.After(alertCutoff) || !alert.Resolved {
			keptAlerts = append(keptAlerts, alert)
		}
	}
	s.alerts = keptAlerts

	return nil
}

func newID() string {
	return uuid.New().String()
}
