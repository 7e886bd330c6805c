package pool

import (
	"sync"
	"time"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
	"github.com/integration-fleet-dispatcher/ifd/internal/transport"
)

// emaAlpha weights new observations in the rolling response-time and
// success-rate averages.
const emaAlpha = 0.2

// Connection is one live binding between the manager and a server. It owns
// the rolling metrics snapshot and the active-request counter.
type Connection struct {
	Server   *models.ServerConfig
	Executor transport.Executor

	mu                  sync.RWMutex
	active              int
	avgResponseTime     time.Duration
	successRate         float64
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	healthy             bool
	consecutiveFailures int
	lastHealthCheck     time.Time
	unhealthySince      time.Time
	routingWeight       float64
}

func newConnection(server *models.ServerConfig, executor transport.Executor) *Connection {
	return &Connection{
		Server:        server,
		Executor:      executor,
		successRate:   1.0,
		healthy:       true,
		routingWeight: 1.0,
	}
}

func (c *Connection) acquire() {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
}

func (c *Connection) release() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}

// status reads the server's lifecycle status under the connection lock.
// Status is the one server field that mutates after registration, so every
// read outside the lock would race with SetServerStatus.
func (c *Connection) status() models.ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.Status
}

func (c *Connection) setStatus(status models.ServerStatus) {
	c.mu.Lock()
	c.Server.Status = status
	c.Server.UpdatedAt = time.Now()
	c.mu.Unlock()
}

// configCopy returns the server config by value for read-only callers.
func (c *Connection) configCopy() models.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.Server
}

// recordResult folds one operation outcome into the rolling averages.
func (c *Connection) recordResult(duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	outcome := 0.0
	if success {
		c.successfulRequests++
		outcome = 1.0
	} else {
		c.failedRequests++
	}

	if c.avgResponseTime == 0 {
		c.avgResponseTime = duration
	} else {
		c.avgResponseTime = time.Duration(
			float64(c.avgResponseTime)*(1-emaAlpha) + float64(duration)*emaAlpha)
	}
	c.successRate = c.successRate*(1-emaAlpha) + outcome*emaAlpha
}

// Snapshot is the connection's point-in-time state consumed by the load
// balancer and metrics collection.
type Snapshot struct {
	ServerID            string
	Active              int
	AvgResponseTime     time.Duration
	SuccessRate         float64
	ErrorRate           float64
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	Healthy             bool
	ConsecutiveFailures int
	RoutingWeight       float64
	LastHealthCheck     time.Time
}

func (c *Connection) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ServerID:            c.Server.ID,
		Active:              c.active,
		AvgResponseTime:     c.avgResponseTime,
		SuccessRate:         c.successRate,
		ErrorRate:           1 - c.successRate,
		TotalRequests:       c.totalRequests,
		SuccessfulRequests:  c.successfulRequests,
		FailedRequests:      c.failedRequests,
		Healthy:             c.healthy,
		ConsecutiveFailures: c.consecutiveFailures,
		RoutingWeight:       c.routingWeight,
		LastHealthCheck:     c.lastHealthCheck,
	}
}

// markHealthCheck records a probe outcome and reports whether the healthy
// flag flipped, plus how long the server had been down on recovery.
func (c *Connection) markHealthCheck(ok bool, at time.Time) (flipped bool, downFor time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastHealthCheck = at
	if ok {
		c.consecutiveFailures = 0
		if !c.healthy {
			c.healthy = true
			downFor = at.Sub(c.unhealthySince)
			return true, downFor
		}
		return false, 0
	}

	c.consecutiveFailures++
	if c.healthy {
		c.healthy = false
		c.unhealthySince = at
		return true, 0
	}
	return false, 0
}

func (c *Connection) setWeight(w float64) {
	c.mu.Lock()
	c.routingWeight = w
	c.mu.Unlock()
}
