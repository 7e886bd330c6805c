package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// EventType identifies one kind of lifecycle event.
type EventType string

const (
	EventServerConnected    EventType = "server.connected"
	EventServerDisconnected EventType = "server.disconnected"

	EventHealthCheckFailed    EventType = "health.check_failed"
	EventHealthCheckRecovered EventType = "health.check_recovered"

	EventBreakerOpened EventType = "breaker.opened"
	EventBreakerClosed EventType = "breaker.closed"

	EventOperationCompleted EventType = "operation.completed"
	EventOperationFailed    EventType = "operation.failed"
	EventOperationRetried   EventType = "operation.retried"

	EventRebalanceStarted   EventType = "pool.rebalance_started"
	EventRebalanceCompleted EventType = "pool.rebalance_completed"
	EventFailoverTriggered  EventType = "pool.failover_triggered"
)

// Payload is the closed set of event payloads. Each payload type knows its
// event type and category, so adding a new event kind forces a new payload
// struct rather than an untyped map.
type Payload interface {
	EventType() EventType
	Category() string
}

// ServerConnectedPayload reports a new live connection to a server.
type ServerConnectedPayload struct {
	Endpoint string          `json:"endpoint"`
	Protocol models.Protocol `json:"protocol"`
}

func (ServerConnectedPayload) EventType() EventType { return EventServerConnected }
func (ServerConnectedPayload) Category() string     { return "lifecycle" }

// ServerDisconnectedPayload reports a dropped connection.
type ServerDisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (ServerDisconnectedPayload) EventType() EventType { return EventServerDisconnected }
func (ServerDisconnectedPayload) Category() string     { return "lifecycle" }

// HealthCheckFailedPayload reports a failed liveness probe.
type HealthCheckFailedPayload struct {
	Error               string `json:"error"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func (HealthCheckFailedPayload) EventType() EventType { return EventHealthCheckFailed }
func (HealthCheckFailedPayload) Category() string     { return "health" }

// HealthCheckRecoveredPayload reports a probe succeeding after failures.
type HealthCheckRecoveredPayload struct {
	DownFor time.Duration `json:"down_for"`
}

func (HealthCheckRecoveredPayload) EventType() EventType { return EventHealthCheckRecovered }
func (HealthCheckRecoveredPayload) Category() string     { return "health" }

// BreakerOpenedPayload reports a breaker tripping open.
type BreakerOpenedPayload struct {
	Operation   string    `json:"operation"`
	Failures    int       `json:"failures"`
	NextAttempt time.Time `json:"next_attempt"`
}

func (BreakerOpenedPayload) EventType() EventType { return EventBreakerOpened }
func (BreakerOpenedPayload) Category() string     { return "breaker" }

// BreakerClosedPayload reports a breaker recovering to closed.
type BreakerClosedPayload struct {
	Operation string `json:"operation"`
}

func (BreakerClosedPayload) EventType() EventType { return EventBreakerClosed }
func (BreakerClosedPayload) Category() string     { return "breaker" }

// OperationCompletedPayload reports a successful operation.
type OperationCompletedPayload struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

func (OperationCompletedPayload) EventType() EventType { return EventOperationCompleted }
func (OperationCompletedPayload) Category() string     { return "operation" }

// OperationFailedPayload reports a terminally failed operation.
type OperationFailedPayload struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

func (OperationFailedPayload) EventType() EventType { return EventOperationFailed }
func (OperationFailedPayload) Category() string     { return "operation" }

// OperationRetriedPayload reports one retry of an operation.
type OperationRetriedPayload struct {
	Operation string        `json:"operation"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
}

func (OperationRetriedPayload) EventType() EventType { return EventOperationRetried }
func (OperationRetriedPayload) Category() string     { return "operation" }

// RebalanceStartedPayload reports the beginning of a pool rebalancing pass.
type RebalanceStartedPayload struct {
	PoolID string `json:"pool_id"`
}

func (RebalanceStartedPayload) EventType() EventType { return EventRebalanceStarted }
func (RebalanceStartedPayload) Category() string     { return "pool" }

// RebalanceCompletedPayload reports the outcome of a rebalancing pass.
type RebalanceCompletedPayload struct {
	PoolID          string             `json:"pool_id"`
	WeightAdjusted  map[string]float64 `json:"weight_adjusted,omitempty"`
	ActiveServers   int                `json:"active_servers"`
	FailedServers   int                `json:"failed_servers"`
}

func (RebalanceCompletedPayload) EventType() EventType { return EventRebalanceCompleted }
func (RebalanceCompletedPayload) Category() string     { return "pool" }

// FailoverTriggeredPayload reports a server pushed out of a pool's primary
// tier together with the failover candidates.
type FailoverTriggeredPayload struct {
	PoolID     string   `json:"pool_id"`
	FailedID   string   `json:"failed_id"`
	Candidates []string `json:"candidates"`
}

func (FailoverTriggeredPayload) EventType() EventType { return EventFailoverTriggered }
func (FailoverTriggeredPayload) Category() string     { return "pool" }

// Event is one lifecycle event flowing through the dispatcher.
type Event struct {
	ID            string               `json:"id"`
	Type          EventType            `json:"type"`
	Category      string               `json:"category"`
	ServerID      string               `json:"server_id,omitempty"`
	Severity      models.AlertSeverity `json:"severity"`
	Tags          []string             `json:"tags,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
	Payload       Payload              `json:"payload"`
}

// NewEvent creates an event around a typed payload.
func NewEvent(serverID string, severity models.AlertSeverity, payload Payload) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      payload.EventType(),
		Category:  payload.Category(),
		ServerID:  serverID,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithCorrelation attaches a correlation id (usually the trace id).
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithTags attaches free-form tags.
func (e *Event) WithTags(tags ...string) *Event {
	e.Tags = append(e.Tags, tags...)
	return e
}

// wireEvent is the JSON envelope; the payload travels as raw JSON so the
// decoder can pick the concrete type from the event type.
type wireEvent struct {
	ID            string               `json:"id"`
	Type          EventType            `json:"type"`
	Category      string               `json:"category"`
	ServerID      string               `json:"server_id,omitempty"`
	Severity      models.AlertSeverity `json:"severity"`
	Tags          []string             `json:"tags,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
	Payload       json.RawMessage      `json:"payload"`
}

// Encode serializes the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(wireEvent{
		ID:            e.ID,
		Type:          e.Type,
		Category:      e.Category,
		ServerID:      e.ServerID,
		Severity:      e.Severity,
		Tags:          e.Tags,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp,
		Payload:       raw,
	})
}

// Decode deserializes a wire event, reconstructing the typed payload.
func Decode(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            w.ID,
		Type:          w.Type,
		Category:      w.Category,
		ServerID:      w.ServerID,
		Severity:      w.Severity,
		Tags:          w.Tags,
		CorrelationID: w.CorrelationID,
		Timestamp:     w.Timestamp,
		Payload:       payload,
	}, nil
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventServerConnected:
		p = &ServerConnectedPayload{}
	case EventServerDisconnected:
		p = &ServerDisconnectedPayload{}
	case EventHealthCheckFailed:
		p = &HealthCheckFailedPayload{}
	case EventHealthCheckRecovered:
		p = &HealthCheckRecoveredPayload{}
	case EventBreakerOpened:
		p = &BreakerOpenedPayload{}
	case EventBreakerClosed:
		p = &BreakerClosedPayload{}
	case EventOperationCompleted:
		p = &OperationCompletedPayload{}
	case EventOperationFailed:
		p = &OperationFailedPayload{}
	case EventOperationRetried:
		p = &OperationRetriedPayload{}
	case EventRebalanceStarted:
		p = &RebalanceStartedPayload{}
	case EventRebalanceCompleted:
		p = &RebalanceCompletedPayload{}
	case EventFailoverTriggered:
		p = &FailoverTriggeredPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
	}
	return derefPayload(p), nil
}

// derefPayload returns the value form so decoded events compare equal to
// freshly constructed ones.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *ServerConnectedPayload:
		return *v
	case *ServerDisconnectedPayload:
		return *v
	case *HealthCheckFailedPayload:
		return *v
	case *HealthCheckRecoveredPayload:
		return *v
	case *BreakerOpenedPayload:
		return *v
	case *BreakerClosedPayload:
		return *v
	case *OperationCompletedPayload:
		return *v
	case *OperationFailedPayload:
		return *v
	case *OperationRetriedPayload:
		return *v
	case *RebalanceStartedPayload:
		return *v
	case *RebalanceCompletedPayload:
		return *v
	case *FailoverTriggeredPayload:
		return *v
	default:
		return p
	}
}
