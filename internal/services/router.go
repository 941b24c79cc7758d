// Package services implements Core Service Access: the command router over
// inbound mesh traffic, synchronous inter-plugin messaging, read-only system
// state queries, and the capability-scoped handle plugins receive.
package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var commandDispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshboard_command_dispatches_total",
		Help: "Inbound command dispatches by result.",
	},
	[]string{"result"}, // handled, declined_all, unmatched, fault
)

func init() {
	prometheus.MustRegister(commandDispatches)
}

// CommandBinding maps a message pattern to its owning plugin.
type CommandBinding struct {
	Pattern  string
	Plugin   string
	Priority int

	seq uint64 // Registration order, tie-break for equal priority
}

// CommandDispatcher hands a matched command to the owning plugin. The host
// wires this to the plugin's HandleCommand with lifecycle checks applied.
type CommandDispatcher func(ctx context.Context, owner string, cmd plugin.Command) (*plugin.Reply, error)

// ReplySender sends a command reply on behalf of the owning plugin, subject
// to the plugin's send_messages permission.
type ReplySender func(ctx context.Context, owner string, env plugin.Envelope) error

// RouterConfig controls dispatch concurrency and handler deadlines.
type RouterConfig struct {
	Workers        int           `mapstructure:"workers"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// Router consults a priority-ordered binding table for every inbound
// envelope. Matching is pure; handlers run on a bounded worker pool, so one
// slow plugin cannot stall the pipeline.
type Router struct {
	cfg      RouterConfig
	dispatch CommandDispatcher
	reply    ReplySender
	bus      *event.Bus
	logger   *zap.Logger

	mu       sync.RWMutex
	bindings []CommandBinding
	nextSeq  uint64

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router dispatching through the given callbacks.
func NewRouter(cfg RouterConfig, dispatch CommandDispatcher, reply ReplySender, bus *event.Bus, logger *zap.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		dispatch: dispatch,
		reply:    reply,
		bus:      bus,
		logger:   logger,
		sem:      make(chan struct{}, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind registers a command binding. The table stays sorted by descending
// priority with registration order breaking ties, so match order is total
// and deterministic.
func (r *Router) Bind(owner, pattern string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings = append(r.bindings, CommandBinding{
		Pattern:  pattern,
		Plugin:   owner,
		Priority: priority,
		seq:      r.nextSeq,
	})
	r.nextSeq++

	sort.SliceStable(r.bindings, func(i, j int) bool {
		if r.bindings[i].Priority != r.bindings[j].Priority {
			return r.bindings[i].Priority > r.bindings[j].Priority
		}
		return r.bindings[i].seq < r.bindings[j].seq
	})
}

// Unbind removes every binding owned by a plugin. Called on unload and when
// a plugin leaves the Running state.
func (r *Router) Unbind(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.bindings[:0]
	for _, b := range r.bindings {
		if b.Plugin != owner {
			kept = append(kept, b)
		}
	}
	r.bindings = kept
}

// Bindings returns a snapshot of the table for the admin surface.
func (r *Router) Bindings() []CommandBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandBinding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// HandleInbound accepts one envelope from the transport and routes it on
// the worker pool. Across distinct envelopes no ordering is guaranteed.
func (r *Router) HandleInbound(env plugin.Envelope) {
	select {
	case <-r.ctx.Done():
		return
	case r.sem <- struct{}{}:
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HandlerTimeout)
		defer cancel()
		r.route(ctx, env)
	}()
}

// Close stops accepting inbound traffic and waits for in-flight handlers.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// route tries bindings strictly by descending priority, first-match-wins
// unless the handler declines with ErrUnhandled.
func (r *Router) route(ctx context.Context, env plugin.Envelope) {
	r.mu.RLock()
	bindings := make([]CommandBinding, len(r.bindings))
	copy(bindings, r.bindings)
	r.mu.RUnlock()

	matched := false
	for _, b := range bindings {
		args, ok := match(env.Text, b.Pattern)
		if !ok {
			continue
		}
		matched = true

		reply, err := r.dispatch(ctx, b.Plugin, plugin.Command{
			Envelope: env,
			Pattern:  b.Pattern,
			Args:     args,
		})
		if errors.Is(err, plugin.ErrUnhandled) {
			continue
		}
		if err != nil {
			commandDispatches.WithLabelValues("fault").Inc()
			r.logger.Error("command handler fault",
				zap.String("plugin", b.Plugin),
				zap.String("pattern", b.Pattern),
				zap.String("envelope_id", env.ID),
				zap.Error(err),
			)
			if r.bus != nil {
				r.bus.Publish(ctx, event.Event{
					Topic:  event.TopicPluginFault,
					Source: "router",
					Payload: event.Fault{
						Plugin: b.Plugin,
						Kind:   "command",
						Detail: err.Error(),
					},
				})
			}
			return
		}

		commandDispatches.WithLabelValues("handled").Inc()
		if reply != nil {
			r.sendReply(ctx, b.Plugin, env, reply)
		}
		return
	}

	if matched {
		commandDispatches.WithLabelValues("declined_all").Inc()
	} else {
		commandDispatches.WithLabelValues("unmatched").Inc()
	}
	r.logger.Debug("no handler for inbound message",
		zap.String("envelope_id", env.ID),
		zap.String("channel", env.Channel),
	)
}

func (r *Router) sendReply(ctx context.Context, owner string, inbound plugin.Envelope, reply *plugin.Reply) {
	out := plugin.Envelope{
		Channel:     reply.Channel,
		Destination: reply.Destination,
		Text:        reply.Text,
	}
	if out.Channel == "" {
		out.Channel = inbound.Channel
	}
	if out.Destination == "" {
		out.Destination = inbound.Source
	}

	if err := r.reply(ctx, owner, out); err != nil {
		r.logger.Warn("failed to send command reply",
			zap.String("plugin", owner),
			zap.String("envelope_id", inbound.ID),
			zap.Error(err),
		)
	}
}

// match reports whether text starts with pattern at a word boundary and
// returns the trimmed remainder as arguments.
func match(text, pattern string) (args string, ok bool) {
	if pattern == "" || !strings.HasPrefix(text, pattern) {
		return "", false
	}
	rest := text[len(pattern):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
