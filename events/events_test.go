package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handlers")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	noop := func(context.Context, Event) error { return nil }
	first := eb.SubscribeFunc("flow_started", noop)
	second := eb.SubscribeFunc("flow_started", noop)
	assert.NotEqual(t, first, second)
	assert.True(t, eb.HasSubscribers("flow_started"))

	assert.True(t, eb.Unsubscribe("flow_started", first))
	assert.False(t, eb.Unsubscribe("flow_started", first))
	assert.True(t, eb.HasSubscribers("flow_started"))

	assert.True(t, eb.Unsubscribe("flow_started", second))
	assert.False(t, eb.HasSubscribers("flow_started"))
}

func TestPublishDeliversAsynchronously(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	var got atomic.Uint64
	for i := 0; i < 2; i++ {
		eb.SubscribeFunc("flow_completed", func(_ context.Context, e Event) error {
			defer wg.Done()
			got.Add(e.FlowInstanceID)
			return nil
		})
	}

	require.NoError(t, eb.Publish(context.Background(), Event{Type: "flow_completed", FlowInstanceID: 21}))
	waitWithTimeout(t, &wg, time.Second)
	assert.Equal(t, uint64(42), got.Load())
}

func TestPublishErrors(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1))

	err := eb.Publish(context.Background(), Event{Type: "nobody"})
	assert.True(t, errors.Is(err, ErrNoHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eb.SubscribeFunc("x", func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, eb.Publish(ctx, Event{Type: "x"}), context.Canceled)

	eb.Stop()
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: "x"}), ErrBusClosed)
	assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: "x"}))
}

func TestPublishChannelFull(t *testing.T) {
	release := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(release)
		eb.Stop()
	}()

	started := make(chan struct{}, 1)
	eb.SubscribeFunc("slow", func(context.Context, Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	require.NoError(t, eb.Publish(context.Background(), Event{Type: "slow"}))
	<-started
	require.NoError(t, eb.Publish(context.Background(), Event{Type: "slow"}))
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: "slow"}), ErrChannelFull)
}

func TestPublishSyncCollectsErrors(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc("node_notified", func(context.Context, Event) error { return errors.New("smtp down") })
	eb.SubscribeFunc("node_notified", func(context.Context, Event) error { panic("boom") })
	eb.SubscribeFunc("node_notified", func(context.Context, Event) error { return nil })

	errs := eb.PublishSync(context.Background(), Event{Type: "node_notified"})
	assert.Len(t, errs, 2)
	assert.Contains(t, errs, ErrHandlerPanic)

	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: "other"}))
}

func TestErrorHandlerReceivesAsyncFailures(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	var seen Event
	eb := NewEventBus(WithErrorHandler(func(e Event, err error) {
		seen = e
		wg.Done()
	}))
	defer eb.Stop()

	eb.SubscribeFunc("flow_rejected", func(context.Context, Event) error { return errors.New("webhook 500") })
	require.NoError(t, eb.Publish(context.Background(), Event{Type: "flow_rejected", FlowInstanceID: 9}))
	waitWithTimeout(t, &wg, time.Second)
	assert.Equal(t, uint64(9), seen.FlowInstanceID)
}

func TestPublishSyncAppliesTimeout(t *testing.T) {
	eb := NewEventBus(WithSyncTimeout(20 * time.Millisecond))
	defer eb.Stop()

	eb.SubscribeFunc("slow", func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	errs := eb.PublishSync(context.Background(), Event{Type: "slow"})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}
