package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	id1 := eb.Subscribe("order-created", &mockHandler{})
	id2 := eb.Subscribe("order-created", &mockHandler{})
	assert.NotEqual(t, id1, id2)

	eb.mu.RLock()
	handlers := eb.handlers["order-created"]
	eb.mu.RUnlock()
	assert.Len(t, handlers, 2)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	id1 := eb.Subscribe("order-created", &mockHandler{})
	id2 := eb.Subscribe("order-created", &mockHandler{})

	assert.True(t, eb.Unsubscribe("order-created", id1))
	assert.False(t, eb.Unsubscribe("order-created", id1))
	assert.True(t, eb.HasSubscribers("order-created"))

	assert.True(t, eb.Unsubscribe("order-created", id2))
	assert.False(t, eb.HasSubscribers("order-created"))
	assert.False(t, eb.Unsubscribe("unknown", id2))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	received := make(chan Event, 1)
	eb.SubscribeFunc("report-created", func(ctx context.Context, event Event) error {
		received <- event
		return nil
	})

	err := eb.Publish(context.Background(), Event{
		Type:      "report-created",
		SubjectID: "patient-001",
		Data:      map[string]interface{}{"reportType": "lab-result"},
	})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "patient-001", ev.SubjectID)
		assert.Equal(t, "lab-result", ev.Data["reportType"])
		assert.False(t, ev.Timestamp.IsZero(), "timestamp should be filled in")
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("order-created", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})
	eb.Subscribe("order-created", &mockHandler{})

	errs := eb.PublishSync(context.Background(), Event{Type: "order-created"})
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "test error")
}

func TestEventBus_PublishSyncRecoversPanics(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc("order-created", func(ctx context.Context, event Event) error {
		panic("boom")
	})

	errs := eb.PublishSync(context.Background(), Event{Type: "order-created"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "handler panic: boom")
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: "unknown_event"})
	assert.ErrorIs(t, err, ErrNoHandler)

	errs := eb.PublishSync(context.Background(), Event{Type: "unknown_event"})
	assert.Equal(t, []error{ErrNoHandler}, errs)
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe("order-created", &mockHandler{})
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: "order-created"})
	assert.ErrorIs(t, err, ErrBusClosed)

	errs := eb.PublishSync(context.Background(), Event{Type: "order-created"})
	assert.Equal(t, []error{ErrBusClosed}, errs)
}

func TestEventBus_ChannelFull(t *testing.T) {
	block := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(block)
		eb.Stop()
	}()

	started := make(chan struct{}, 1)
	eb.SubscribeFunc("order-created", func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	require.NoError(t, eb.Publish(context.Background(), Event{Type: "order-created"}))
	<-started // processor is now blocked inside the first handler
	require.NoError(t, eb.Publish(context.Background(), Event{Type: "order-created"}))

	err := eb.Publish(context.Background(), Event{Type: "order-created"})
	assert.ErrorIs(t, err, ErrChannelFull)
}

func TestEventBus_WithOptions(t *testing.T) {
	var mu sync.Mutex
	var gotErr error

	done := make(chan struct{})
	eb := NewEventBus(
		WithBufferSize(200),
		WithSyncTimeout(time.Second),
		WithErrorHandler(func(event Event, err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
			close(done)
		}),
	)
	defer eb.Stop()

	assert.Equal(t, 200, cap(eb.eventCh))
	assert.Equal(t, time.Second, eb.syncTimeout)

	eb.SubscribeFunc("order-created", func(ctx context.Context, event Event) error {
		return errors.New("test error")
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: "order-created"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("custom error handler was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.EqualError(t, gotErr, "test error")
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("order-created", &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: "order-created"})
	assert.ErrorIs(t, err, context.Canceled)
}

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}
