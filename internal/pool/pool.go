package pool

import (
	"math"
	"sort"
	"sync"

	"github.com/integration-fleet-dispatcher/ifd/internal/balancer"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// Pool is a named set of servers sharing a balancing strategy and failover
// policy. Members are partitioned into primary/secondary/emergency tiers
// by declared priority on a 60/30/10 split.
type Pool struct {
	ID       string
	Name     string
	Strategy balancer.Strategy

	mu        sync.RWMutex
	memberIDs []string
	primary   []string
	secondary []string
	emergency []string

	active      []string
	failed      []string
	maintenance []string
}

func newPool(id, name string, strategy balancer.Strategy, members []*models.ServerConfig) *Pool {
	p := &Pool{
		ID:       id,
		Name:     name,
		Strategy: strategy,
	}
	for _, m := range members {
		p.memberIDs = append(p.memberIDs, m.ID)
	}
	p.primary, p.secondary, p.emergency = partitionTiers(members)
	return p
}

// partitionTiers splits members by priority rank into 60/30/10 tiers,
// rounding tier sizes up so small pools still get a primary tier.
func partitionTiers(members []*models.ServerConfig) (primary, secondary, emergency []string) {
	ordered := append([]*models.ServerConfig(nil), members...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
	})

	n := len(ordered)
	if n == 0 {
		return nil, nil, nil
	}

	primaryCount := int(math.Ceil(float64(n) * 0.6))
	secondaryCount := int(math.Ceil(float64(n) * 0.3))
	if primaryCount+secondaryCount > n {
		secondaryCount = n - primaryCount
	}

	for i, m := range ordered {
		switch {
		case i < primaryCount:
			primary = append(primary, m.ID)
		case i < primaryCount+secondaryCount:
			secondary = append(secondary, m.ID)
		default:
			emergency = append(emergency, m.ID)
		}
	}
	return primary, secondary, emergency
}

// Members returns the pool's member server ids.
func (p *Pool) Members() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.memberIDs...)
}

// Contains reports pool membership.
func (p *Pool) Contains(serverID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.memberIDs {
		if id == serverID {
			return true
		}
	}
	return false
}

// Tiers returns the current failover tiers.
func (p *Pool) Tiers() (primary, secondary, emergency []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.primary...),
		append([]string(nil), p.secondary...),
		append([]string(nil), p.emergency...)
}

// demoteToEmergency removes a failed server from the primary tier and
// pushes it onto the emergency tier.
func (p *Pool) demoteToEmergency(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, id := range p.primary {
		if id == serverID {
			p.primary = append(p.primary[:i], p.primary[i+1:]...)
			p.emergency = append(p.emergency, serverID)
			return true
		}
	}
	return false
}

// secondaryCandidates returns secondary-tier members passing the filter.
func (p *Pool) secondaryCandidates(eligible func(string) bool) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.secondary))
	for _, id := range p.secondary {
		if eligible(id) {
			out = append(out, id)
		}
	}
	return out
}

// setMembership replaces the rebalancing state lists.
func (p *Pool) setMembership(active, failed, maintenance []string) {
	p.mu.Lock()
	p.active = active
	p.failed = failed
	p.maintenance = maintenance
	p.mu.Unlock()
}

// statistics snapshots the pool for the query surface.
func (p *Pool) statistics(capacityOf func(string) (total, used int)) *models.PoolStatistics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := &models.PoolStatistics{
		PoolID:             p.ID,
		Name:               p.Name,
		Strategy:           string(p.Strategy),
		TotalServers:       len(p.memberIDs),
		ActiveServers:      append([]string(nil), p.active...),
		FailedServers:      append([]string(nil), p.failed...),
		MaintenanceServers: append([]string(nil), p.maintenance...),
		PrimaryTier:        append([]string(nil), p.primary...),
		SecondaryTier:      append([]string(nil), p.secondary...),
		EmergencyTier:      append([]string(nil), p.emergency...),
	}
	for _, id := range p.memberIDs {
		total, used := capacityOf(id)
		stats.TotalCapacity += total
		stats.UsedCapacity += used
	}
	return stats
}
