// Package balancer selects an integration server from a candidate set using
// a pluggable strategy. Selection is a fast in-memory operation; the live
// load and metrics snapshots come from the pool manager.
package balancer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastResponseTime  Strategy = "least_response_time"
	StrategyPriority           Strategy = "priority"
	StrategyConsistentHash     Strategy = "consistent_hash"
	StrategyRandom             Strategy = "random"
	StrategyIntelligent        Strategy = "intelligent"
)

// Candidate is one eligible server together with its live load snapshot.
type Candidate struct {
	Server          *models.ServerConfig
	ActiveConns     int
	AvgResponseTime time.Duration
	ErrorRate       float64
	RoutingWeight   float64
	BreakerState    models.BreakerState
}

// Selection is the outcome of one balancing decision.
type Selection struct {
	Server               *models.ServerConfig
	Reason               string
	Alternatives         []string
	Confidence           float64
	ExpectedResponseTime time.Duration
}

// LoadBalancer holds the derived per-candidate-set state (round-robin
// cursors, hash rings) and the per-operation performance profiles.
type LoadBalancer struct {
	cfg    config.BalancerConfig
	logger *zap.Logger

	mu       sync.Mutex
	rrCursor map[string]int
	rings    map[string]*hashRing

	stickyMu sync.RWMutex
	sticky   map[string]string

	profiles *profileTracker
}

// New creates a load balancer.
func New(cfg config.BalancerConfig, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 150
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	return &LoadBalancer{
		cfg:      cfg,
		logger:   logger,
		rrCursor: make(map[string]int),
		rings:    make(map[string]*hashRing),
		sticky:   make(map[string]string),
		profiles: newProfileTracker(cfg.HistorySize),
	}
}

// SelectServer picks one server for the request. An empty candidate set is
// a caller error; fully circuit-open sets degrade to half-open candidates.
func (lb *LoadBalancer) SelectServer(ctx context.Context, candidates []Candidate, req *models.OperationRequest, strategy Strategy) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, &models.NoEligibleServerError{
			Operation: req.Operation,
			Reason:    "no available servers",
		}
	}

	usable, degraded, err := lb.filterByBreaker(candidates, req.Operation)
	if err != nil {
		return nil, err
	}

	// Sticky sessions reuse the bound server while it remains usable.
	if req.SessionID != "" {
		if sel := lb.stickySelection(usable, req.SessionID); sel != nil {
			lb.recordDecision(sel, req.Operation)
			return sel, nil
		}
	}

	if len(usable) == 1 {
		sel := &Selection{
			Server:               usable[0].Server,
			Reason:               "single candidate",
			Confidence:           1.0,
			ExpectedResponseTime: lb.expectedResponseTime(usable[0], req.Operation),
		}
		lb.bindSession(req.SessionID, sel.Server.ID)
		lb.recordDecision(sel, req.Operation)
		return sel, nil
	}

	sel := lb.applyStrategy(usable, req, strategy)
	if degraded {
		sel.Confidence = 0.3
		sel.Reason = "degraded: all candidates open, probing half-open server"
	}

	sel.Alternatives = alternatives(usable, sel.Server.ID)
	lb.bindSession(req.SessionID, sel.Server.ID)
	lb.recordDecision(sel, req.Operation)
	return sel, nil
}

// filterByBreaker drops circuit-open candidates. When every candidate is
// open, half-open candidates form a degraded selection set.
func (lb *LoadBalancer) filterByBreaker(candidates []Candidate, operation string) ([]Candidate, bool, error) {
	closed := make([]Candidate, 0, len(candidates))
	halfOpen := make([]Candidate, 0)
	for _, c := range candidates {
		switch c.BreakerState {
		case models.BreakerOpen:
			continue
		case models.BreakerHalfOpen:
			halfOpen = append(halfOpen, c)
		default:
			closed = append(closed, c)
		}
	}

	if len(closed) > 0 {
		// Half-open candidates stay selectable alongside closed ones.
		return append(closed, halfOpen...), false, nil
	}
	if len(halfOpen) > 0 {
		return halfOpen, true, nil
	}
	return nil, false, &models.NoEligibleServerError{
		Operation: operation,
		Reason:    "all candidates unavailable (circuit open)",
	}
}

func (lb *LoadBalancer) stickySelection(usable []Candidate, sessionID string) *Selection {
	lb.stickyMu.RLock()
	serverID, bound := lb.sticky[sessionID]
	lb.stickyMu.RUnlock()
	if !bound {
		return nil
	}
	for _, c := range usable {
		if c.Server.ID == serverID {
			return &Selection{
				Server:               c.Server,
				Reason:               "sticky session",
				Confidence:           0.9,
				Alternatives:         alternatives(usable, serverID),
				ExpectedResponseTime: c.AvgResponseTime,
			}
		}
	}
	return nil
}

// bindSession is first-write-wins: an existing binding is never replaced.
func (lb *LoadBalancer) bindSession(sessionID, serverID string) {
	if sessionID == "" {
		return
	}
	lb.stickyMu.Lock()
	if _, bound := lb.sticky[sessionID]; !bound {
		lb.sticky[sessionID] = serverID
	}
	lb.stickyMu.Unlock()
}

// ReleaseSession drops a sticky binding, e.g. when the bound server is
// deregistered.
func (lb *LoadBalancer) ReleaseSession(sessionID string) {
	lb.stickyMu.Lock()
	delete(lb.sticky, sessionID)
	lb.stickyMu.Unlock()
}

func (lb *LoadBalancer) applyStrategy(usable []Candidate, req *models.OperationRequest, strategy Strategy) *Selection {
	if strategy == "" {
		strategy = Strategy(lb.cfg.DefaultStrategy)
	}
	switch strategy {
	case StrategyRoundRobin:
		return lb.selectRoundRobin(usable, req.Operation)
	case StrategyWeightedRoundRobin:
		return lb.selectWeightedRoundRobin(usable, req.Operation)
	case StrategyLeastConnections:
		return lb.selectLeastConnections(usable, req.Operation)
	case StrategyLeastResponseTime:
		return lb.selectLeastResponseTime(usable, req.Operation)
	case StrategyPriority:
		return lb.selectPriority(usable, req.Operation)
	case StrategyConsistentHash:
		return lb.selectConsistentHash(usable, req)
	case StrategyRandom:
		return lb.selectRandom(usable, req.Operation)
	default:
		// Unknown strategies fall through to the composite scorer.
		return lb.selectIntelligent(usable, req.Operation)
	}
}

// expectedResponseTime prefers the per-operation profile and falls back to
// the candidate's general average.
func (lb *LoadBalancer) expectedResponseTime(c Candidate, operation string) time.Duration {
	if p, ok := lb.profiles.profile(operation, c.Server.ID); ok && p.AvgResponseTime > 0 {
		return p.AvgResponseTime
	}
	return c.AvgResponseTime
}

func (lb *LoadBalancer) recordDecision(sel *Selection, operation string) {
	lb.profiles.recordDecision(sel.Server.ID, operation, sel.ExpectedResponseTime)
}

// RecordResult feeds an operation outcome into the decision history used to
// refresh performance profiles.
func (lb *LoadBalancer) RecordResult(serverID, operation string, duration time.Duration, success bool) {
	lb.profiles.recordResult(serverID, operation, duration, success)
}

// RefreshProfiles recomputes the rolling per-(operation, server) profiles
// from the last hour of history. The pool manager schedules this on the
// profile-refresh interval.
func (lb *LoadBalancer) RefreshProfiles() {
	lb.profiles.refresh(time.Now())
}

// ProfileRefreshInterval reports the configured cadence for RefreshProfiles.
func (lb *LoadBalancer) ProfileRefreshInterval() time.Duration {
	if lb.cfg.ProfileRefresh <= 0 {
		return 5 * time.Minute
	}
	return lb.cfg.ProfileRefresh
}

// setKey identifies a candidate set independent of ordering.
func setKey(candidates []Candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Server.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func alternatives(candidates []Candidate, selectedID string) []string {
	alts := make([]string, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.Server.ID != selectedID {
			alts = append(alts, c.Server.ID)
		}
	}
	return alts
}

// sortedByID returns candidates in stable id order so cyclic strategies are
// deterministic for a given set.
func sortedByID(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.Slice(out, func(i, j int) bool { return out[i].Server.ID < out[j].Server.ID })
	return out
}
