package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

type countingHandler struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (h *countingHandler) Handle(_ context.Context, event *Event) error {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestDispatcher_TypedSubscription(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil)
	ctx := context.Background()

	opened := &countingHandler{}
	closed := &countingHandler{}
	d.Subscribe(EventBreakerOpened, opened)
	d.Subscribe(EventBreakerClosed, closed)

	require.NoError(t, d.Publish(ctx, NewEvent("srv-1", models.SeverityCritical, BreakerOpenedPayload{
		Operation: "sync_contacts",
	})))

	assert.Equal(t, 1, opened.count())
	assert.Equal(t, 0, closed.count())
}

func TestDispatcher_WildcardSeesEverything(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil)
	ctx := context.Background()

	all := &countingHandler{}
	d.SubscribeAll(all)

	require.NoError(t, d.Publish(ctx, NewEvent("srv-1", models.SeverityInfo, ServerConnectedPayload{})))
	require.NoError(t, d.Publish(ctx, NewEvent("srv-1", models.SeverityWarning, HealthCheckFailedPayload{})))

	assert.Equal(t, 2, all.count())
}

func TestDispatcher_HandlerErrorDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil)
	ctx := context.Background()

	failing := &countingHandler{err: errors.New("handler broke")}
	healthy := &countingHandler{}
	d.Subscribe(EventServerConnected, failing)
	d.Subscribe(EventServerConnected, healthy)

	require.NoError(t, d.Publish(ctx, NewEvent("srv-1", models.SeverityInfo, ServerConnectedPayload{})))

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, healthy.count())
}

type recordingBus struct {
	mu        sync.Mutex
	published []*Event
}

func (b *recordingBus) Publish(_ context.Context, event *Event) error {
	b.mu.Lock()
	b.published = append(b.published, event)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(EventType, Handler) {}
func (b *recordingBus) SubscribeAll(Handler)         {}
func (b *recordingBus) Close() error                 { return nil }

func TestDispatcher_ForwardsToExternalBus(t *testing.T) {
	forward := &recordingBus{}
	d := NewDispatcher(zaptest.NewLogger(t), forward)

	event := NewEvent("srv-1", models.SeverityInfo, ServerConnectedPayload{})
	require.NoError(t, d.Publish(context.Background(), event))

	forward.mu.Lock()
	defer forward.mu.Unlock()
	require.Len(t, forward.published, 1)
	assert.Equal(t, event.ID, forward.published[0].ID)
}

func TestHandlerFunc_Adapts(t *testing.T) {
	called := false
	var h Handler = HandlerFunc(func(ctx context.Context, event *Event) error {
		called = true
		return nil
	})
	require.NoError(t, h.Handle(context.Background(), &Event{}))
	assert.True(t, called)
}
