package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

func windowDuration(w models.AggregationWindow) time.Duration {
	switch w {
	case models.WindowHour:
		return time.Hour
	case models.WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Aggregate rolls the most recent window of raw samples into one rollup
// per server. Scheduled per window on fixed intervals; slightly stale
// reads are acceptable here.
func (s *Service) Aggregate(ctx context.Context, window models.AggregationWindow) error {
	now := s.now()
	span := windowDuration(window)
	start := now.Add(-span)

	s.mu.Lock()
	defer s.mu.Unlock()

	for serverID, ring := range s.raw {
		samples := ring.since(start)
		if len(samples) == 0 {
			continue
		}
		agg := rollup(serverID, window, start, now, samples)
		s.aggregates[serverID] = append(s.aggregates[serverID], agg)
	}
	return nil
}

func rollup(serverID string, window models.AggregationWindow, start, end time.Time, samples []models.ServerMetrics) models.AggregatedMetrics {
	rts := make([]time.Duration, len(samples))
	var rtSum time.Duration
	var throughputSum, errorSum float64
	up := 0
	errorCounts := make(map[string]int64)

	for i, m := range samples {
		rts[i] = m.ResponseTime
		rtSum += m.ResponseTime
		throughputSum += m.Throughput
		errorSum += m.ErrorRate
		if m.SuccessRate >= 0.5 {
			up++
		}
		if m.FailedRequests > 0 {
			errorCounts["operation"] += m.FailedRequests
		}
	}
	sort.Slice(rts, func(i, j int) bool { return rts[i] < rts[j] })

	n := len(samples)
	return models.AggregatedMetrics{
		ServerID:        serverID,
		Window:          window,
		Start:           start,
		End:             end,
		SampleCount:     n,
		AvgResponseTime: rtSum / time.Duration(n),
		P50ResponseTime: percentile(rts, 0.50),
		P95ResponseTime: percentile(rts, 0.95),
		P99ResponseTime: percentile(rts, 0.99),
		AvgThroughput:   throughputSum / float64(n),
		AvgErrorRate:    errorSum / float64(n),
		UptimePercent:   float64(up) / float64(n) * 100,
		ErrorCounts:     errorCounts,
	}
}

// percentile returns the nearest-rank percentile of sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
