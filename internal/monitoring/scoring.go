package monitoring

import (
	"math"
	"time"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// scoreFromSample recomputes a health score from one metrics sample.
// Penalties: tiered response time (up to 25), error rate (errorRate*600
// capped at 30), low throughput (up to 15) and success-rate shortfall
// ((1-successRate)*100 capped at 30); clamped to [0, 100].
func scoreFromSample(m models.ServerMetrics, now time.Time) *models.HealthScore {
	score := 100.0

	rtPenalty := responseTimePenalty(m.ResponseTime)
	score -= rtPenalty

	errPenalty := math.Min(m.ErrorRate*600, 30)
	score -= errPenalty

	tpPenalty := throughputPenalty(m.Throughput)
	score -= tpPenalty

	srPenalty := math.Min((1-m.SuccessRate)*100, 30)
	score -= srPenalty

	score = clampScore(score)

	hs := &models.HealthScore{
		ServerID:     m.ServerID,
		Score:        score,
		Availability: clampScore(100 - srPenalty*100/30),
		Performance:  clampScore(100 - rtPenalty*4),
		Reliability:  clampScore(100 - errPenalty*100/30),
		Connectivity: connectivityScore(m),
		ComputedAt:   now,
	}
	hs.Recommendation = recommendationFor(score)
	return hs
}

func responseTimePenalty(rt time.Duration) float64 {
	ms := rt.Seconds() * 1000
	switch {
	case ms > 1000:
		return 25
	case ms > 500:
		return 15
	case ms > 200:
		return 5
	default:
		return 0
	}
}

func throughputPenalty(throughput float64) float64 {
	switch {
	case throughput <= 0:
		return 15
	case throughput < 1:
		return 10
	case throughput < 5:
		return 5
	default:
		return 0
	}
}

func connectivityScore(m models.ServerMetrics) float64 {
	if m.ActiveConnections == 0 && m.TotalRequests == 0 {
		return 50
	}
	if m.QueueDepth > 100 {
		return 60
	}
	return 100
}

// applyEventDelta shifts an existing score by a discrete event delta;
// events carry partial information so they adjust rather than recompute.
func applyEventDelta(score *models.HealthScore, delta float64, now time.Time) {
	score.Score = clampScore(score.Score + delta)
	score.Recommendation = recommendationFor(score.Score)
	score.ComputedAt = now
}

func recommendationFor(score float64) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 70:
		return "monitor"
	case score >= 50:
		return "investigate performance degradation"
	case score >= 30:
		return "reduce traffic and investigate"
	default:
		return "take server out of rotation"
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
