package balancer

import (
	"math"
	"math/rand"
	"time"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

func (lb *LoadBalancer) selectRoundRobin(candidates []Candidate, operation string) *Selection {
	ordered := sortedByID(candidates)
	key := setKey(ordered)

	lb.mu.Lock()
	idx := lb.rrCursor[key] % len(ordered)
	lb.rrCursor[key] = idx + 1
	lb.mu.Unlock()

	chosen := ordered[idx]
	return &Selection{
		Server:               chosen.Server,
		Reason:               "round robin",
		Confidence:           0.8,
		ExpectedResponseTime: lb.expectedResponseTime(chosen, operation),
	}
}

// selectWeightedRoundRobin expands each server into round(weight*10)
// virtual slots before cycling. Weight rises for faster, more reliable
// servers and is clamped to the configured bounds.
func (lb *LoadBalancer) selectWeightedRoundRobin(candidates []Candidate, operation string) *Selection {
	ordered := sortedByID(candidates)
	key := "wrr:" + setKey(ordered)

	slots := make([]int, 0, len(ordered)*10)
	for i, c := range ordered {
		n := int(math.Round(lb.weightFor(c) * 10))
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			slots = append(slots, i)
		}
	}

	lb.mu.Lock()
	idx := lb.rrCursor[key] % len(slots)
	lb.rrCursor[key] = idx + 1
	lb.mu.Unlock()

	chosen := ordered[slots[idx]]
	return &Selection{
		Server:               chosen.Server,
		Reason:               "weighted round robin",
		Confidence:           0.8,
		ExpectedResponseTime: lb.expectedResponseTime(chosen, operation),
	}
}

// weightFor derives a server weight from response time and error rate.
// 200ms at zero errors maps to the neutral weight 1.0.
func (lb *LoadBalancer) weightFor(c Candidate) float64 {
	rt := c.AvgResponseTime
	if rt <= 0 {
		rt = 200 * time.Millisecond
	}
	weight := (200 * time.Millisecond).Seconds() / rt.Seconds()
	weight *= 1 - c.ErrorRate
	weight = clamp(weight, lb.cfg.MinWeight, lb.cfg.MaxWeight)

	// The rebalancer's routing weight scales the performance-derived
	// weight after clamping so its adjustments still shift traffic for
	// servers pinned at a bound. Zero means the caller set no weight.
	if c.RoutingWeight > 0 {
		weight = clamp(weight*c.RoutingWeight, lb.cfg.MinWeight, lb.cfg.MaxWeight)
	}
	return weight
}

func (lb *LoadBalancer) selectLeastConnections(candidates []Candidate, operation string) *Selection {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveConns < best.ActiveConns {
			best = c
		}
	}
	return &Selection{
		Server:               best.Server,
		Reason:               "least connections",
		Confidence:           0.85,
		ExpectedResponseTime: lb.expectedResponseTime(best, operation),
	}
}

func (lb *LoadBalancer) selectLeastResponseTime(candidates []Candidate, operation string) *Selection {
	best := candidates[0]
	bestRT := lb.expectedResponseTime(best, operation)
	for _, c := range candidates[1:] {
		rt := lb.expectedResponseTime(c, operation)
		if rt < bestRT {
			best, bestRT = c, rt
		}
	}
	return &Selection{
		Server:               best.Server,
		Reason:               "least response time",
		Confidence:           0.85,
		ExpectedResponseTime: bestRT,
	}
}

// selectPriority ranks by avgResponseTime scaled up by the error rate.
func (lb *LoadBalancer) selectPriority(candidates []Candidate, operation string) *Selection {
	best := candidates[0]
	bestScore := priorityScore(best)
	for _, c := range candidates[1:] {
		if s := priorityScore(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return &Selection{
		Server:               best.Server,
		Reason:               "priority",
		Confidence:           0.85,
		ExpectedResponseTime: lb.expectedResponseTime(best, operation),
	}
}

func priorityScore(c Candidate) float64 {
	rt := c.AvgResponseTime.Seconds()
	if rt <= 0 {
		rt = 0.2
	}
	return rt * (1 + c.ErrorRate)
}

// selectConsistentHash routes by hashing the trace id (falling back to the
// operation name) onto the candidate ring. The ring is rebuilt lazily when
// the candidate set changes.
func (lb *LoadBalancer) selectConsistentHash(candidates []Candidate, req *models.OperationRequest) *Selection {
	ordered := sortedByID(candidates)
	key := setKey(ordered)

	lb.mu.Lock()
	ring, ok := lb.rings[key]
	if !ok {
		ids := make([]string, len(ordered))
		for i, c := range ordered {
			ids[i] = c.Server.ID
		}
		ring = newHashRing(ids, lb.cfg.VirtualNodes)
		lb.rings[key] = ring
	}
	lb.mu.Unlock()

	routeKey := req.TraceID
	if routeKey == "" {
		routeKey = req.Operation
	}
	serverID := ring.locate(routeKey)

	for _, c := range ordered {
		if c.Server.ID == serverID {
			return &Selection{
				Server:               c.Server,
				Reason:               "consistent hash",
				Confidence:           0.85,
				ExpectedResponseTime: lb.expectedResponseTime(c, req.Operation),
			}
		}
	}
	// Unreachable while the ring matches the set; fall back defensively.
	return lb.selectRoundRobin(ordered, req.Operation)
}

func (lb *LoadBalancer) selectRandom(candidates []Candidate, operation string) *Selection {
	chosen := candidates[rand.Intn(len(candidates))]
	return &Selection{
		Server:               chosen.Server,
		Reason:               "random",
		Confidence:           0.7,
		ExpectedResponseTime: lb.expectedResponseTime(chosen, operation),
	}
}

// selectIntelligent scores each candidate starting from 100 and subtracting
// penalties for connection load, latency, error rate and operation-specific
// failures; the highest score wins.
func (lb *LoadBalancer) selectIntelligent(candidates []Candidate, operation string) *Selection {
	best := candidates[0]
	bestScore := lb.intelligentScore(best, operation)
	for _, c := range candidates[1:] {
		if s := lb.intelligentScore(c, operation); s > bestScore {
			best, bestScore = c, s
		}
	}
	return &Selection{
		Server:               best.Server,
		Reason:               "intelligent score",
		Confidence:           0.9,
		ExpectedResponseTime: lb.expectedResponseTime(best, operation),
	}
}

func (lb *LoadBalancer) intelligentScore(c Candidate, operation string) float64 {
	score := 100.0

	// Connection load: two points per active connection.
	score -= math.Min(float64(c.ActiveConns)*2, lb.cfg.LoadPenaltyMax)

	// Latency: 50ms per point.
	rtMs := lb.expectedResponseTime(c, operation).Seconds() * 1000
	score -= math.Min(rtMs/50, lb.cfg.LatencyPenaltyMax)

	// Error rate: 10% error hits the cap.
	score -= math.Min(c.ErrorRate*250, lb.cfg.ErrorPenaltyMax)

	// Operation-specific failure rate from the rolling profile.
	if p, ok := lb.profiles.profile(operation, c.Server.ID); ok {
		score -= math.Min((1-p.SuccessRate)*100, lb.cfg.OperationPenaltyMax)
	}

	// Routing weight from the rebalancer biases the score the same way
	// it biases the weighted strategies.
	if c.RoutingWeight > 0 {
		score *= c.RoutingWeight
	}
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
