package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

// Hub routes synchronous inter-plugin messages. Delivery is in-process; a
// handler fault is caught and returned to the caller as an error response,
// never propagated as a crash.
type Hub struct {
	timeout time.Duration
	bus     *event.Bus
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string]plugin.MessageHandler
}

// NewHub creates an empty messaging hub. timeout bounds each delivery when
// the caller's context carries no earlier deadline.
func NewHub(timeout time.Duration, bus *event.Bus, logger *zap.Logger) *Hub {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Hub{
		timeout:  timeout,
		bus:      bus,
		logger:   logger,
		handlers: make(map[string]plugin.MessageHandler),
	}
}

// Register installs a plugin's message handler, replacing any previous one.
func (h *Hub) Register(owner string, fn plugin.MessageHandler) {
	h.mu.Lock()
	h.handlers[owner] = fn
	h.mu.Unlock()
}

// Unregister removes a plugin's handler. Called on unload.
func (h *Hub) Unregister(owner string) {
	h.mu.Lock()
	delete(h.handlers, owner)
	h.mu.Unlock()
}

// Deliver sends a message to one plugin and waits for its response under
// the delivery timeout. An unknown target returns ErrPluginNotFound.
func (h *Hub) Deliver(ctx context.Context, from, to, msgType string, payload []byte) (*plugin.PluginMessage, error) {
	h.mu.RLock()
	fn, ok := h.handlers[to]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("deliver to %q: %w", to, plugin.ErrPluginNotFound)
	}

	msg := plugin.PluginMessage{
		From:          from,
		To:            to,
		Type:          msgType,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}

	resp, err := h.call(ctx, to, fn, msg)
	if err != nil {
		h.fault(ctx, to, err)
		return nil, err
	}
	if resp != nil {
		resp.From = to
		resp.To = from
		resp.CorrelationID = msg.CorrelationID
	}
	return resp, nil
}

// Broadcast delivers a message to every registered handler except the
// sender. One failing recipient never aborts the batch; per-recipient
// outcomes are collected in the results, ordered by plugin name.
func (h *Hub) Broadcast(ctx context.Context, from, msgType string, payload []byte) []plugin.BroadcastResult {
	h.mu.RLock()
	targets := make(map[string]plugin.MessageHandler, len(h.handlers))
	for name, fn := range h.handlers {
		if name != from {
			targets[name] = fn
		}
	}
	h.mu.RUnlock()

	names := sortedKeys(targets)
	results := make([]plugin.BroadcastResult, 0, len(names))
	for _, name := range names {
		msg := plugin.PluginMessage{
			From:          from,
			Type:          msgType,
			Payload:       payload,
			CorrelationID: uuid.NewString(),
		}
		resp, err := h.call(ctx, name, targets[name], msg)
		if err != nil {
			h.fault(ctx, name, err)
		} else if resp != nil {
			resp.From = name
			resp.To = from
			resp.CorrelationID = msg.CorrelationID
		}
		results = append(results, plugin.BroadcastResult{
			Plugin:   name,
			Response: resp,
			Err:      err,
		})
	}
	return results
}

// call runs a handler in its own goroutine so the caller's timeout cancels
// the wait; the handler unwinds cooperatively through its context.
func (h *Hub) call(ctx context.Context, target string, fn plugin.MessageHandler, msg plugin.PluginMessage) (*plugin.PluginMessage, error) {
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	type outcome struct {
		resp *plugin.PluginMessage
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("message handler panicked: %v", r)}
			}
		}()
		resp, err := fn(ctx, msg)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("deliver to %q: %w", target, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("handler %q: %w", target, out.err)
		}
		return out.resp, nil
	}
}

func (h *Hub) fault(ctx context.Context, target string, err error) {
	h.logger.Warn("inter-plugin handler fault",
		zap.String("plugin", target), zap.Error(err))
	if h.bus != nil {
		h.bus.Publish(ctx, event.Event{
			Topic:  event.TopicPluginFault,
			Source: "hub",
			Payload: event.Fault{
				Plugin: target,
				Kind:   "ipc",
				Detail: err.Error(),
			},
		})
	}
}

func sortedKeys(m map[string]plugin.MessageHandler) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
