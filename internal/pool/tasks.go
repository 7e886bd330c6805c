package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// failoverThreshold is the number of consecutive failed probes after which
// a server is pushed to every containing pool's emergency tier.
const failoverThreshold = 3

// probeTimeout bounds a single liveness probe.
const probeTimeout = 10 * time.Second

// HealthCheckAll probes every registered server concurrently. A probe
// failure on one server never delays or aborts the others.
func (m *Manager) HealthCheckAll(ctx context.Context) error {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		if conn.status() == models.ServerStatusActive {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			m.checkServer(ctx, conn)
		}(conn)
	}
	wg.Wait()
	return nil
}

func (m *Manager) checkServer(ctx context.Context, conn *Connection) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := conn.Executor.HealthCheck(probeCtx)
	now := time.Now()
	flipped, downFor := conn.markHealthCheck(err == nil, now)

	if err == nil {
		if flipped {
			m.logger.Info("server recovered",
				zap.String("server_id", conn.Server.ID),
				zap.Duration("down_for", downFor))
			m.publish(ctx, eventbus.NewEvent(conn.Server.ID, models.SeverityInfo, eventbus.HealthCheckRecoveredPayload{
				DownFor: downFor,
			}))
		}
		return
	}

	snap := conn.snapshot()
	m.logger.Warn("health check failed",
		zap.String("server_id", conn.Server.ID),
		zap.Int("consecutive_failures", snap.ConsecutiveFailures),
		zap.Error(err))
	m.publish(ctx, eventbus.NewEvent(conn.Server.ID, models.SeverityWarning, eventbus.HealthCheckFailedPayload{
		Error:               err.Error(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
	}))

	if snap.ConsecutiveFailures == failoverThreshold {
		m.failover(ctx, conn.Server.ID)
	}
}

// failover demotes a persistently failing server to the emergency tier of
// every pool that contains it and announces healthy standby candidates.
func (m *Manager) failover(ctx context.Context, serverID string) {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		if p.Contains(serverID) {
			pools = append(pools, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range pools {
		if !p.demoteToEmergency(serverID) {
			continue
		}
		candidates := p.secondaryCandidates(func(sid string) bool {
			m.mu.RLock()
			conn, ok := m.conns[sid]
			m.mu.RUnlock()
			if !ok || conn.status() != models.ServerStatusActive {
				return false
			}
			return conn.snapshot().Healthy
		})

		m.logger.Warn("failover triggered",
			zap.String("pool_id", p.ID),
			zap.String("failed_server", serverID),
			zap.Strings("candidates", candidates))
		m.publish(ctx, eventbus.NewEvent(serverID, models.SeverityCritical, eventbus.FailoverTriggeredPayload{
			PoolID:     p.ID,
			FailedID:   serverID,
			Candidates: candidates,
		}))
	}
}

// Rebalance weight-adjusts one pool: servers carrying over 1.5x the mean
// active-connection count lose 20% routing weight, servers under 0.5x gain
// 20%. Weights stay inside [0.1, 2.0].
func (m *Manager) Rebalance(ctx context.Context, poolID string) error {
	m.mu.RLock()
	p, ok := m.pools[poolID]
	m.mu.RUnlock()
	if !ok {
		return &models.ConfigError{Field: "pool_id", Reason: "pool " + poolID + " not found"}
	}

	m.publish(ctx, eventbus.NewEvent("", models.SeverityInfo, eventbus.RebalanceStartedPayload{PoolID: poolID}))

	type member struct {
		conn *Connection
		snap Snapshot
	}
	var members []member
	var active, failed, maintenance []string
	for _, sid := range p.Members() {
		m.mu.RLock()
		conn, ok := m.conns[sid]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		snap := conn.snapshot()
		switch status := conn.status(); {
		case status == models.ServerStatusMaintenance:
			maintenance = append(maintenance, sid)
		case snap.Healthy && status == models.ServerStatusActive:
			active = append(active, sid)
			members = append(members, member{conn: conn, snap: snap})
		default:
			failed = append(failed, sid)
		}
	}
	p.setMembership(active, failed, maintenance)

	adjusted := make(map[string]float64)
	if len(members) > 1 {
		total := 0
		for _, mb := range members {
			total += mb.snap.Active
		}
		mean := float64(total) / float64(len(members))
		if mean > 0 {
			for _, mb := range members {
				load := float64(mb.snap.Active)
				w := mb.snap.RoutingWeight
				switch {
				case load > 1.5*mean:
					w *= 0.8
				case load < 0.5*mean:
					w *= 1.2
				default:
					continue
				}
				if w < 0.1 {
					w = 0.1
				}
				if w > 2.0 {
					w = 2.0
				}
				mb.conn.setWeight(w)
				adjusted[mb.snap.ServerID] = w
			}
		}
	}

	m.logger.Debug("rebalance completed",
		zap.String("pool_id", poolID),
		zap.Int("active", len(active)),
		zap.Int("failed", len(failed)),
		zap.Int("weights_adjusted", len(adjusted)))
	m.publish(ctx, eventbus.NewEvent("", models.SeverityInfo, eventbus.RebalanceCompletedPayload{
		PoolID:         poolID,
		WeightAdjusted: adjusted,
		ActiveServers:  len(active),
		FailedServers:  len(failed),
	}))
	return nil
}

// RebalanceAll runs a rebalancing pass over every pool.
func (m *Manager) RebalanceAll(ctx context.Context) error {
	for _, id := range m.Pools() {
		if err := m.Rebalance(ctx, id); err != nil {
			m.logger.Warn("rebalance failed", zap.String("pool_id", id), zap.Error(err))
		}
	}
	return nil
}

// CollectMetrics samples every connection and hands the samples to the
// monitoring sink. Throughput is derived from the request-count delta
// since the previous collection.
func (m *Manager) CollectMetrics(ctx context.Context) error {
	if m.sink == nil {
		return nil
	}

	m.mu.RLock()
	snaps := make([]Snapshot, 0, len(m.conns))
	for _, conn := range m.conns {
		snaps = append(snaps, conn.snapshot())
	}
	m.mu.RUnlock()

	now := time.Now()
	m.collectMu.Lock()
	elapsed := now.Sub(m.lastCollectAt)
	prev := m.lastTotals
	m.lastTotals = make(map[string]int64, len(snaps))
	first := m.lastCollectAt.IsZero()
	m.lastCollectAt = now
	for _, snap := range snaps {
		m.lastTotals[snap.ServerID] = snap.TotalRequests
	}
	m.collectMu.Unlock()

	for _, snap := range snaps {
		throughput := 0.0
		if !first && elapsed > 0 {
			throughput = float64(snap.TotalRequests-prev[snap.ServerID]) / elapsed.Seconds()
		}
		m.sink.RecordMetrics(ctx, models.ServerMetrics{
			ServerID:           snap.ServerID,
			Timestamp:          now,
			ResponseTime:       snap.AvgResponseTime,
			Throughput:         throughput,
			ErrorRate:          snap.ErrorRate,
			SuccessRate:        snap.SuccessRate,
			ActiveConnections:  snap.Active,
			TotalRequests:      snap.TotalRequests,
			SuccessfulRequests: snap.SuccessfulRequests,
			FailedRequests:     snap.FailedRequests,
		})
	}
	return nil
}
