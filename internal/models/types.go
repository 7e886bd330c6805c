package models

import (
	"time"
)

// Protocol identifies the wire protocol used to reach an integration server.
type Protocol string

const (
	ProtocolWebSocket Protocol = "websocket"
	ProtocolHTTP      Protocol = "http"
	ProtocolGRPC      Protocol = "grpc"
)

// Priority represents the declared importance of an integration server.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for failover-tier partitioning; lower is more important.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ServerStatus represents the lifecycle status of an integration server.
type ServerStatus string

const (
	ServerStatusActive      ServerStatus = "active"
	ServerStatusInactive    ServerStatus = "inactive"
	ServerStatusMaintenance ServerStatus = "maintenance"
	ServerStatusFailed      ServerStatus = "failed"
)

// ServerConfig describes a registered integration server. It is created at
// registration time, mutated by health transitions, and never deleted while
// configured, only deactivated.
type ServerConfig struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Endpoint             string        `json:"endpoint"`
	Protocol             Protocol      `json:"protocol"`
	Priority             Priority      `json:"priority"`
	SupportedOperations  []string      `json:"supported_operations"`
	MaxConnections       int           `json:"max_connections"`
	ExpectedResponseTime time.Duration `json:"expected_response_time"`
	HealthCheckInterval  time.Duration `json:"health_check_interval"`
	Status               ServerStatus  `json:"status"`
	RegisteredAt         time.Time     `json:"registered_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Supports reports whether the server declares the given operation.
func (s *ServerConfig) Supports(operation string) bool {
	for _, op := range s.SupportedOperations {
		if op == operation {
			return true
		}
	}
	return false
}

// ServerMetrics is a point-in-time sample of one server's performance.
type ServerMetrics struct {
	ServerID           string        `json:"server_id"`
	Timestamp          time.Time     `json:"timestamp"`
	ResponseTime       time.Duration `json:"response_time"`
	Throughput         float64       `json:"throughput"`
	ErrorRate          float64       `json:"error_rate"`
	SuccessRate        float64       `json:"success_rate"`
	ActiveConnections  int           `json:"active_connections"`
	QueueDepth         int           `json:"queue_depth"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
}

// AggregationWindow identifies the rollup granularity of aggregated metrics.
type AggregationWindow string

const (
	WindowMinute AggregationWindow = "minute"
	WindowHour   AggregationWindow = "hour"
	WindowDay    AggregationWindow = "day"
)

// AggregatedMetrics is a rollup of raw samples over one window.
type AggregatedMetrics struct {
	ServerID        string            `json:"server_id"`
	Window          AggregationWindow `json:"window"`
	Start           time.Time         `json:"start"`
	End             time.Time         `json:"end"`
	SampleCount     int               `json:"sample_count"`
	AvgResponseTime time.Duration     `json:"avg_response_time"`
	P50ResponseTime time.Duration     `json:"p50_response_time"`
	P95ResponseTime time.Duration     `json:"p95_response_time"`
	P99ResponseTime time.Duration     `json:"p99_response_time"`
	AvgThroughput   float64           `json:"avg_throughput"`
	AvgErrorRate    float64           `json:"avg_error_rate"`
	UptimePercent   float64           `json:"uptime_percent"`
	ErrorCounts     map[string]int64  `json:"error_counts,omitempty"`
}

// HealthScore is the derived 0-100 composite health of one server.
type HealthScore struct {
	ServerID       string    `json:"server_id"`
	Score          float64   `json:"score"`
	Availability   float64   `json:"availability"`
	Performance    float64   `json:"performance"`
	Reliability    float64   `json:"reliability"`
	Connectivity   float64   `json:"connectivity"`
	Recommendation string    `json:"recommendation"`
	ComputedAt     time.Time `json:"computed_at"`
}

// AlertSeverity orders alert importance.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Rank orders severities; higher is more severe.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert is immutable once created except for the resolved transition.
type Alert struct {
	ID          string        `json:"id"`
	RuleID      string        `json:"rule_id"`
	ServerID    string        `json:"server_id"`
	Severity    AlertSeverity `json:"severity"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Value       float64       `json:"value"`
	Threshold   float64       `json:"threshold"`
	CreatedAt   time.Time     `json:"created_at"`
	Resolved    bool          `json:"resolved"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// AggregationFunc selects how a rule condenses its metric window.
type AggregationFunc string

const (
	AggAvg   AggregationFunc = "avg"
	AggMax   AggregationFunc = "max"
	AggMin   AggregationFunc = "min"
	AggSum   AggregationFunc = "sum"
	AggCount AggregationFunc = "count"
)

// CompareOp is the comparison operator of an alert condition.
type CompareOp string

const (
	OpGreaterThan CompareOp = ">"
	OpLessThan    CompareOp = "<"
	OpGreaterEq   CompareOp = ">="
	OpLessEq      CompareOp = "<="
	OpEqual       CompareOp = "=="
)

// AlertRule is a user-configurable alert condition with its own lifecycle,
// independent from the alerts it produces.
type AlertRule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Metric          string          `json:"metric"`
	Operator        CompareOp       `json:"operator"`
	Threshold       float64         `json:"threshold"`
	Duration        time.Duration   `json:"duration"`
	Aggregation     AggregationFunc `json:"aggregation"`
	Severity        AlertSeverity   `json:"severity"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	Enabled         bool            `json:"enabled"`
}

// PoolTier identifies the failover tier a pool member belongs to.
type PoolTier string

const (
	TierPrimary   PoolTier = "primary"
	TierSecondary PoolTier = "secondary"
	TierEmergency PoolTier = "emergency"
)

// PoolStatistics is the query-surface snapshot of one pool.
type PoolStatistics struct {
	PoolID             string   `json:"pool_id"`
	Name               string   `json:"name"`
	Strategy           string   `json:"strategy"`
	TotalServers       int      `json:"total_servers"`
	ActiveServers      []string `json:"active_servers"`
	FailedServers      []string `json:"failed_servers"`
	MaintenanceServers []string `json:"maintenance_servers"`
	PrimaryTier        []string `json:"primary_tier"`
	SecondaryTier      []string `json:"secondary_tier"`
	EmergencyTier      []string `json:"emergency_tier"`
	TotalCapacity      int      `json:"total_capacity"`
	UsedCapacity       int      `json:"used_capacity"`
}

// OperationRequest describes one operation to dispatch against the fleet.
type OperationRequest struct {
	ServerID  string        `json:"server_id,omitempty"`
	PoolID    string        `json:"pool_id,omitempty"`
	Operation string        `json:"operation"`
	Payload   []byte        `json:"payload,omitempty"`
	TraceID   string        `json:"trace_id"`
	SessionID string        `json:"session_id,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Retry     *RetryConfig  `json:"retry,omitempty"`
}

// RetryConfig bounds the retry behavior of one operation.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Exponential bool          `json:"exponential"`
}

// OperationResponse is the result of a dispatched operation.
type OperationResponse struct {
	Status        string        `json:"status"`
	Data          []byte        `json:"data,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	ServerID      string        `json:"server_id"`
	TraceID       string        `json:"trace_id"`
	Attempts      int           `json:"attempts"`
}
