package events

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBusClosed    = errors.New("event bus is closed")
	ErrChannelFull  = errors.New("event buffer is full")
	ErrHandlerPanic = errors.New("event handler panicked")
	// ErrNoHandler is returned for event types nobody subscribed to.
	ErrNoHandler    = errors.New("no subscribers for event type")
)

// Event is a flow notification, e.g. "flow_started" or "node_instance_created".
type Event struct {
	Type           string                 `json:"type"`
	FlowInstanceID uint64                 `json:"flow_instance_id"`
	Data           map[string]interface{} `json:"data,omitempty"`
	At             int64                  `json:"at"`
}

// EventHandler receives flow events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies a registered handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler EventHandler
}

// EventBus fans flow events out to subscribers on a background goroutine.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID Subscription

	bufferSize  int
	queue       chan Event
	logger      *zap.Logger
	syncTimeout time.Duration
	done        sync.WaitGroup

	onErrorMu sync.RWMutex
	onError   func(event Event, err error)

	closeMu sync.RWMutex
	closed  bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events Publish may queue.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) { eb.bufferSize = size }
}

// WithErrorHandler replaces the default handler, which logs a warning.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) { eb.setErrorHandler(handler) }
}

// WithLogger sets the logger for failed and panicking handlers.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) { eb.logger = logger }
}

// WithSyncTimeout bounds PublishSync when the caller's context has no deadline.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) { eb.syncTimeout = d }
}

// NewEventBus creates a bus with a buffer of 100 events and starts its processor.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subs:        make(map[string][]subscriber),
		bufferSize:  100,
		logger:      zap.NewNop(),
		syncTimeout: 5 * time.Second,
	}
	eb.onError = eb.logError
	for _, option := range options {
		option(eb)
	}
	eb.queue = make(chan Event, eb.bufferSize)

	eb.done.Add(1)
	go eb.run()
	return eb
}

func (eb *EventBus) setErrorHandler(fn func(event Event, err error)) {
	eb.onErrorMu.Lock()
	defer eb.onErrorMu.Unlock()
	eb.onError = fn
}

func (eb *EventBus) errorHandler() func(event Event, err error) {
	eb.onErrorMu.RLock()
	defer eb.onErrorMu.RUnlock()
	return eb.onError
}

// Subscribe registers handler for eventType and returns its handle.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subs[eventType] = append(eb.subs[eventType], subscriber{id: eb.nextID, handler: handler})
	return eb.nextID
}

// SubscribeFunc is Subscribe for a plain function.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes the handler registered under sub. It reports whether
// the subscription existed.
func (eb *EventBus) Unsubscribe(eventType string, sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id != sub {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(eb.subs, eventType)
		} else {
			eb.subs[eventType] = subs
		}
		return true
	}
	return false
}

// HasSubscribers reports whether eventType has at least one handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType]) > 0
}

func (eb *EventBus) isClosed() bool {
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	return eb.closed
}

// Publish queues an event for asynchronous delivery. It never blocks: a
// full buffer yields ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event on the caller's goroutine and returns every handler error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	if eb.isClosed() {
		return []error{ErrBusClosed}
	}
	handlers := eb.snapshot(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eb.syncTimeout)
		defer cancel()
	}
	return eb.deliver(ctx, handlers, event)
}

// Stop discards queued events, stops the processor and waits for it.
// Stopping twice is a no-op.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.queue) > 0 {
			<-eb.queue
		}
		close(eb.queue)
	}
	eb.closeMu.Unlock()
	eb.done.Wait()
}

func (eb *EventBus) snapshot(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.subs[eventType]
	out := make([]EventHandler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// run delivers queued events until Stop closes the queue. Handlers that
// unsubscribed after Publish are skipped.
func (eb *EventBus) run() {
	defer eb.done.Done()
	for event := range eb.queue {
		handlers := eb.snapshot(event.Type)
		if len(handlers) == 0 {
			continue
		}
		onError := eb.errorHandler()
		for _, err := range eb.deliver(context.Background(), handlers, event) {
			onError(event, err)
		}
	}
}

// deliver runs handlers concurrently and returns their errors. A panic is
// recovered and reported as ErrHandlerPanic.
func (eb *EventBus) deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, h := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					eb.logger.Error("event handler panicked",
						zap.String("event", event.Type), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
					fail(ErrHandlerPanic)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				fail(err)
			}
		}(h)
	}
	wg.Wait()
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Warn("event handler failed",
		zap.String("event", event.Type), zap.Uint64("flow_instance_id", event.FlowInstanceID), zap.Error(err))
}
