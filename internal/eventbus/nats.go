package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "ifd.events."

// NATSConfig holds NATS JetStream configuration.
type NATSConfig struct {
	URL                  string        `json:"url" yaml:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:                  "nats://localhost:4222",
		StreamName:           "IFD_EVENTS",
		MaxAge:               24 * time.Hour,
		MaxBytes:             256 * 1024 * 1024,
		MaxMsgs:              500000,
		Replicas:             1,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// NATSBus publishes dispatcher events to NATS JetStream so external
// consumers (vendor adapters, dashboards) can follow the fleet.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *NATSConfig

	subMu sync.Mutex
	subs  []*nats.Subscription
}

// NewNATSBus connects to NATS and ensures the event stream exists.
func NewNATSBus(config *NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &NATSBus{
		logger: logger,
		config: config,
	}

	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if err := b.setupStream(); err != nil {
		b.conn.Close()
		return nil, fmt.Errorf("failed to set up JetStream: %w", err)
	}
	return b, nil
}

func (b *NATSBus) connect() error {
	opts := []nats.Option{
		nats.Name("ifd-eventbus"),
		nats.Timeout(b.config.ConnectTimeout),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.MaxReconnects(b.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return err
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	b.conn = conn
	b.js = js
	b.logger.Info("connected to NATS JetStream",
		zap.String("url", b.config.URL),
		zap.String("stream", b.config.StreamName))
	return nil
}

func (b *NATSBus) setupStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       b.config.StreamName,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     b.config.MaxAge,
		MaxBytes:   b.config.MaxBytes,
		MaxMsgs:    b.config.MaxMsgs,
		Replicas:   b.config.Replicas,
		Storage:    nats.FileStorage,
		Duplicates: 5 * time.Minute,
	}

	if _, err := b.js.StreamInfo(b.config.StreamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Publish sends the event to JetStream with its id as the dedup key.
func (b *NATSBus) Publish(ctx context.Context, event *Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}

	subject := subjectPrefix + string(event.Type)
	if _, err := b.js.Publish(subject, data, nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	b.logger.Debug("published event",
		zap.String("event_id", event.ID),
		zap.String("subject", subject))
	return nil
}

// Subscribe consumes one event type from the stream with a durable
// push subscription.
func (b *NATSBus) Subscribe(eventType EventType, handler Handler) {
	subject := subjectPrefix + string(eventType)
	durable := "ifd-" + strings.ReplaceAll(string(eventType), ".", "-")

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		event, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn("failed to decode event", zap.Error(err))
			_ = msg.Term()
			return
		}
		if err := handler.Handle(context.Background(), event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("event_type", string(eventType)),
				zap.Error(err))
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		b.logger.Error("failed to subscribe",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()
}

// SubscribeAll consumes every dispatcher event from the stream.
func (b *NATSBus) SubscribeAll(handler Handler) {
	sub, err := b.js.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		event, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn("failed to decode event", zap.Error(err))
			_ = msg.Term()
			return
		}
		if err := handler.Handle(context.Background(), event); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable("ifd-all"), nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		b.logger.Error("failed to subscribe to all events", zap.Error(err))
		return
	}

	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.subMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subMu.Unlock()

	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
