package monitoring

import (
	"time"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// metricsRing is a fixed-capacity circular buffer of raw metric samples.
// Writes overwrite the oldest entry, so pruning is O(1) amortized instead
// of shifting slices on every retention pass.
type metricsRing struct {
	buf    []models.ServerMetrics
	next   int
	filled bool
}

func newMetricsRing(capacity int) *metricsRing {
	return &metricsRing{buf: make([]models.ServerMetrics, capacity)}
}

func (r *metricsRing) push(m models.ServerMetrics) {
	r.buf[r.next] = m
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
}

// snapshot returns the stored samples in chronological order.
func (r *metricsRing) snapshot() []models.ServerMetrics {
	if !r.filled {
		return append([]models.ServerMetrics(nil), r.buf[:r.next]...)
	}
	out := make([]models.ServerMetrics, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// since returns samples with timestamps at or after cutoff.
func (r *metricsRing) since(cutoff time.Time) []models.ServerMetrics {
	all := r.snapshot()
	idx := 0
	for idx < len(all) && all[idx].Timestamp.Before(cutoff) {
		idx++
	}
	return all[idx:]
}

// latest returns the most recent sample, if any.
func (r *metricsRing) latest() (models.ServerMetrics, bool) {
	if r.next == 0 && !r.filled {
		return models.ServerMetrics{}, false
	}
	idx := r.next - 1
	if idx < 0 {
		idx = len(r.buf) - 1
	}
	return r.buf[idx], true
}

// dropBefore rewrites the ring keeping only samples at or after cutoff.
// Used by the hourly cleanup pass.
func (r *metricsRing) dropBefore(cutoff time.Time) {
	kept := r.since(cutoff)
	r.buf = make([]models.ServerMetrics, len(r.buf))
	r.next = 0
	r.filled = false
	for _, m := range kept {
		r.push(m)
	}
}
