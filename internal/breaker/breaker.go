// Package breaker implements a per (server, operation) circuit breaker with
// a timestamp-pruned sliding window. State is kept in an external TTL store
// so it survives restarts and is shared across dispatcher instances.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// Key identifies one breaker record.
type Key struct {
	ServerID  string
	Operation string
}

func (k Key) String() string {
	return k.ServerID + ":" + k.Operation
}

// CircuitBreaker gates operations per (server, operation) key. Transitions
// for a given key are serialized by a per-key mutex, so only one of two
// racing trips wins.
type CircuitBreaker struct {
	cfg    config.BreakerConfig
	store  Store
	logger *zap.Logger
	events eventbus.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithEvents wires an event bus for breaker open/close notifications.
func WithEvents(bus eventbus.Bus) Option {
	return func(cb *CircuitBreaker) { cb.events = bus }
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// New creates a circuit breaker backed by the given store.
func New(cfg config.BreakerConfig, store Store, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// profileFor returns the provider-specific profile, falling back to the
// default profile for unconfigured providers.
func (cb *CircuitBreaker) profileFor(serverID string) config.BreakerProfile {
	if p, ok := cb.cfg.Providers[serverID]; ok {
		return p
	}
	return cb.cfg.Default
}

// lockFor returns the mutex guarding one key's transitions.
func (cb *CircuitBreaker) lockFor(key Key) *sync.Mutex {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	l, ok := cb.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		cb.locks[key.String()] = l
	}
	return l
}

// Execute runs fn through the breaker: it fails fast with a
// CircuitOpenError when the breaker is open, and records the outcome
// otherwise.
func (cb *CircuitBreaker) Execute(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	if err := cb.Allow(ctx, key); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		cb.RecordFailure(ctx, key)
		return err
	}
	cb.RecordSuccess(ctx, key)
	return nil
}

// Allow reports whether an operation may proceed. An open breaker past its
// next-attempt time transitions to half-open and admits the probe.
func (cb *CircuitBreaker) Allow(ctx context.Context, key Key) error {
	lock := cb.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	record, err := cb.load(ctx, key)
	if err != nil {
		return err
	}

	switch record.State {
	case models.BreakerOpen:
		if cb.now().Before(record.NextAttempt) {
			return &models.CircuitOpenError{
				Provider:    key.ServerID,
				State:       models.BreakerOpen,
				NextAttempt: record.NextAttempt,
			}
		}
		// Timeout elapsed: admit a probe.
		record.State = models.BreakerHalfOpen
		record.Successes = 0
		cb.persist(ctx, key, record)
		cb.logger.Info("circuit breaker half-open",
			zap.String("server_id", key.ServerID),
			zap.String("operation", key.Operation))
		return nil
	default:
		return nil
	}
}

// State returns the current breaker state for a key, applying the
// open → half-open transition if the timeout has elapsed.
func (cb *CircuitBreaker) State(ctx context.Context, key Key) models.BreakerState {
	lock := cb.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	record, err := cb.load(ctx, key)
	if err != nil {
		return models.BreakerClosed
	}
	if record.State == models.BreakerOpen && !cb.now().Before(record.NextAttempt) {
		record.State = models.BreakerHalfOpen
		record.Successes = 0
		cb.persist(ctx, key, record)
	}
	return record.State
}

// RecordSuccess notes a successful operation.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, key Key) {
	lock := cb.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := cb.now()
	record, err := cb.load(ctx, key)
	if err != nil {
		return
	}

	profile := cb.profileFor(key.ServerID)
	record.Prune(now, profile.WindowSize)
	record.Requests = append(record.Requests, now)

	if record.State == models.BreakerHalfOpen {
		record.Successes++
		if record.Successes >= profile.SuccessThreshold {
			record.State = models.BreakerClosed
			record.Failures = nil
			record.Successes = 0
			record.NextAttempt = time.Time{}
			cb.publishClosed(ctx, key)
			cb.logger.Info("circuit breaker closed",
				zap.String("server_id", key.ServerID),
				zap.String("operation", key.Operation))
		}
	}
	cb.persist(ctx, key, record)
}

// RecordFailure notes a failed operation and trips the breaker when both
// the failure and volume thresholds are met within the sliding window.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, key Key) {
	lock := cb.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := cb.now()
	record, err := cb.load(ctx, key)
	if err != nil {
		return
	}

	profile := cb.profileFor(key.ServerID)
	record.Prune(now, profile.WindowSize)
	record.Requests = append(record.Requests, now)
	record.Failures = append(record.Failures, now)

	switch record.State {
	case models.BreakerHalfOpen:
		// Any failure during the probe reopens with a fresh timeout.
		cb.trip(ctx, key, record, profile, now)
	case models.BreakerClosed:
		if len(record.Failures) >= profile.FailureThreshold &&
			len(record.Requests) >= profile.VolumeThreshold {
			cb.trip(ctx, key, record, profile, now)
		}
	}
	cb.persist(ctx, key, record)
}

func (cb *CircuitBreaker) trip(ctx context.Context, key Key, record *Record, profile config.BreakerProfile, now time.Time) {
	record.State = models.BreakerOpen
	record.OpenedAt = now
	record.NextAttempt = now.Add(profile.Timeout)
	record.Successes = 0

	cb.logger.Warn("circuit breaker opened",
		zap.String("server_id", key.ServerID),
		zap.String("operation", key.Operation),
		zap.Int("failures", len(record.Failures)),
		zap.Time("next_attempt", record.NextAttempt))

	if cb.events != nil {
		event := eventbus.NewEvent(key.ServerID, models.SeverityCritical, eventbus.BreakerOpenedPayload{
			Operation:   key.Operation,
			Failures:    len(record.Failures),
			NextAttempt: record.NextAttempt,
		})
		if err := cb.events.Publish(ctx, event); err != nil {
			cb.logger.Warn("failed to publish breaker event", zap.Error(err))
		}
	}
}

func (cb *CircuitBreaker) publishClosed(ctx context.Context, key Key) {
	if cb.events == nil {
		return
	}
	event := eventbus.NewEvent(key.ServerID, models.SeverityInfo, eventbus.BreakerClosedPayload{
		Operation: key.Operation,
	})
	if err := cb.events.Publish(ctx, event); err != nil {
		cb.logger.Warn("failed to publish breaker event", zap.Error(err))
	}
}

// Reset clears a key back to closed, used by the admin surface.
func (cb *CircuitBreaker) Reset(ctx context.Context, key Key) error {
	lock := cb.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := cb.store.Delete(ctx, key.String()); err != nil {
		return fmt.Errorf("failed to reset breaker %s: %w", key, err)
	}
	cb.logger.Info("circuit breaker reset",
		zap.String("server_id", key.ServerID),
		zap.String("operation", key.Operation))
	return nil
}

func (cb *CircuitBreaker) load(ctx context.Context, key Key) (*Record, error) {
	record, err := cb.store.Get(ctx, key.String())
	if err != nil {
		cb.logger.Warn("failed to load breaker record, treating as closed",
			zap.String("key", key.String()),
			zap.Error(err))
		return NewRecord(), nil
	}
	if record == nil {
		return NewRecord(), nil
	}
	return record, nil
}

func (cb *CircuitBreaker) persist(ctx context.Context, key Key, record *Record) {
	record.UpdatedAt = cb.now()
	ttl := cb.cfg.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := cb.store.Put(ctx, key.String(), record, ttl); err != nil {
		cb.logger.Warn("failed to persist breaker record",
			zap.String("key", key.String()),
			zap.Error(err))
	}
}
