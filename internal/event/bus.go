// Package event provides the in-memory bus carrying host lifecycle events:
// plugin state changes, dispatch faults, task auto-disables, and transport
// status. The health monitor and the admin event stream consume it.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Host event topics.
const (
	TopicPluginState     = "plugin.state"     // Payload: StateChange
	TopicPluginFault     = "plugin.fault"     // Payload: Fault
	TopicTaskDisabled    = "task.disabled"    // Payload: TaskDisabled
	TopicTransportStatus = "transport.status" // Payload: TransportStatus
)

// Event is a typed message on the host bus.
type Event struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"` // Component or plugin that emitted it
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// StateChange reports a plugin lifecycle transition.
type StateChange struct {
	Plugin string `json:"plugin"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Fault reports a handler or task failure attributed to a plugin.
type Fault struct {
	Plugin string `json:"plugin"`
	Kind   string `json:"kind"` // "command", "task", "ipc"
	Detail string `json:"detail,omitempty"`
}

// TaskDisabled reports a scheduled task crossing its failure threshold.
type TaskDisabled struct {
	TaskID   string `json:"task_id"`
	Name     string `json:"name"`
	Plugin   string `json:"plugin"`
	Failures int    `json:"failures"`
}

// TransportStatus reports a transport connectivity change.
type TransportStatus struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// Handler processes events from the bus.
type Handler func(ctx context.Context, event Event)

// Bus is an in-memory event bus. Publish is synchronous (handlers run in
// the caller's goroutine); PublishAsync dispatches each handler in its own
// goroutine. Handler panics are recovered and logged, never propagated.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	allSubs  []handlerEntry            // handlers subscribed to all topics
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	topicHandlers, allHandlers := b.snapshot(event.Topic)

	for _, h := range topicHandlers {
		b.safeCall(ctx, h.handler, event)
	}
	for _, h := range allHandlers {
		b.safeCall(ctx, h.handler, event)
	}
}

// PublishAsync dispatches an event asynchronously to all matching handlers.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	topicHandlers, allHandlers := b.snapshot(event.Topic)

	for _, h := range topicHandlers {
		go b.safeCall(ctx, h.handler, event)
	}
	for _, h := range allHandlers {
		go b.safeCall(ctx, h.handler, event)
	}
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for all topics. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.allSubs {
			if e.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// snapshot copies the handler lists so no lock is held during dispatch.
func (b *Bus) snapshot(topic string) (topicHandlers, allHandlers []handlerEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topicHandlers = make([]handlerEntry, len(b.handlers[topic]))
	copy(topicHandlers, b.handlers[topic])
	allHandlers = make([]handlerEntry, len(b.allSubs))
	copy(allHandlers, b.allSubs)
	return topicHandlers, allHandlers
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
