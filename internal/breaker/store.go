package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// Record is the persisted breaker state for one (server, operation) key.
// Requests tracks every outcome timestamp so the volume threshold counts
// real traffic, not an estimate derived from failures.
type Record struct {
	State       models.BreakerState `json:"state"`
	Failures    []time.Time         `json:"failures"`
	Requests    []time.Time         `json:"requests"`
	Successes   int                 `json:"successes"`
	OpenedAt    time.Time           `json:"opened_at,omitempty"`
	NextAttempt time.Time           `json:"next_attempt,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// NewRecord returns a fresh closed record.
func NewRecord() *Record {
	return &Record{State: models.BreakerClosed, UpdatedAt: time.Now()}
}

// Prune drops window entries older than windowSize.
func (r *Record) Prune(now time.Time, windowSize time.Duration) {
	cutoff := now.Add(-windowSize)
	r.Failures = pruneBefore(r.Failures, cutoff)
	r.Requests = pruneBefore(r.Requests, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	// Timestamps are appended in order, so find the first one inside the
	// window and reslice.
	idx := 0
	for idx < len(ts) && ts[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append(ts[:0:0], ts[idx:]...)
}

// Store persists breaker records with a TTL so state survives restarts and
// is shared across dispatcher instances.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, key string, record *Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the in-process store used in tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
}

type memoryEntry struct {
	record    *Record
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	entry, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	cp := *entry.record
	cp.Failures = append([]time.Time(nil), entry.record.Failures...)
	cp.Requests = append([]time.Time(nil), entry.record.Requests...)
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, record *Record, ttl time.Duration) error {
	cp := *record
	cp.Failures = append([]time.Time(nil), record.Failures...)
	cp.Requests = append([]time.Time(nil), record.Requests...)
	s.mu.Lock()
	s.records[key] = memoryEntry{record: &cp, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

const redisKeyPrefix = "ifd:breaker:"

// RedisStore persists breaker records in Redis with SET EX semantics.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read breaker record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal breaker record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, record *Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker record: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store breaker record: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete breaker record: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
