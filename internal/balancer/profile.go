package balancer

import (
	"sync"
	"time"
)

// PerformanceProfile is the rolling view of one (operation, server) pair.
type PerformanceProfile struct {
	AvgResponseTime time.Duration
	SuccessRate     float64
	SampleCount     int
	UpdatedAt       time.Time
}

// historyEntry is one recorded decision or outcome.
type historyEntry struct {
	serverID  string
	operation string
	duration  time.Duration
	success   bool
	outcome   bool // false for selection-time decisions, true for results
	at        time.Time
}

// profileTracker keeps a fixed-capacity ring of history entries and the
// profiles derived from them.
type profileTracker struct {
	mu       sync.RWMutex
	ring     []historyEntry
	next     int
	filled   bool
	profiles map[string]PerformanceProfile
}

func newProfileTracker(capacity int) *profileTracker {
	return &profileTracker{
		ring:     make([]historyEntry, capacity),
		profiles: make(map[string]PerformanceProfile),
	}
}

func profileKey(operation, serverID string) string {
	return operation + "@" + serverID
}

func (t *profileTracker) recordDecision(serverID, operation string, expectedRT time.Duration) {
	t.push(historyEntry{
		serverID:  serverID,
		operation: operation,
		duration:  expectedRT,
		at:        time.Now(),
	})
}

func (t *profileTracker) recordResult(serverID, operation string, duration time.Duration, success bool) {
	t.push(historyEntry{
		serverID:  serverID,
		operation: operation,
		duration:  duration,
		success:   success,
		outcome:   true,
		at:        time.Now(),
	})
}

func (t *profileTracker) push(e historyEntry) {
	t.mu.Lock()
	t.ring[t.next] = e
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.filled = true
	}
	t.mu.Unlock()
}

func (t *profileTracker) profile(operation, serverID string) (PerformanceProfile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[profileKey(operation, serverID)]
	return p, ok
}

// refresh recomputes profiles from outcome entries within the last hour.
func (t *profileTracker) refresh(now time.Time) {
	cutoff := now.Add(-time.Hour)

	type acc struct {
		total     time.Duration
		count     int
		successes int
	}
	sums := make(map[string]*acc)

	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	if t.filled {
		size = len(t.ring)
	}
	for i := 0; i < size; i++ {
		e := t.ring[i]
		if !e.outcome || e.at.Before(cutoff) {
			continue
		}
		key := profileKey(e.operation, e.serverID)
		a, ok := sums[key]
		if !ok {
			a = &acc{}
			sums[key] = a
		}
		a.total += e.duration
		a.count++
		if e.success {
			a.successes++
		}
	}

	profiles := make(map[string]PerformanceProfile, len(sums))
	for key, a := range sums {
		profiles[key] = PerformanceProfile{
			AvgResponseTime: a.total / time.Duration(a.count),
			SuccessRate:     float64(a.successes) / float64(a.count),
			SampleCount:     a.count,
			UpdatedAt:       now,
		}
	}
	t.profiles = profiles
}
