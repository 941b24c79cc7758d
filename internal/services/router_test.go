package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

// recorder collects dispatches and replies behind a lock so tests can poll
// them while the router's worker pool runs.
type recorder struct {
	mu      sync.Mutex
	calls   []string // "plugin:pattern:args"
	replies []plugin.Envelope

	dispatch func(owner string, cmd plugin.Command) (*plugin.Reply, error)
}

func (r *recorder) Dispatch(_ context.Context, owner string, cmd plugin.Command) (*plugin.Reply, error) {
	r.mu.Lock()
	r.calls = append(r.calls, owner+":"+cmd.Pattern+":"+cmd.Args)
	r.mu.Unlock()
	if r.dispatch != nil {
		return r.dispatch(owner, cmd)
	}
	return nil, nil
}

func (r *recorder) Send(_ context.Context, _ string, env plugin.Envelope) error {
	r.mu.Lock()
	r.replies = append(r.replies, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Replies() []plugin.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]plugin.Envelope(nil), r.replies...)
}

func newTestRouter(rec *recorder) *Router {
	return NewRouter(RouterConfig{Workers: 2, HandlerTimeout: time.Second},
		rec.Dispatch, rec.Send, nil, zap.NewNop())
}

func routeAndWait(t *testing.T, r *Router, env plugin.Envelope) {
	t.Helper()
	r.HandleInbound(env)
	r.Close()
}

func TestMatch(t *testing.T) {
	tests := []struct {
		text, pattern string
		wantArgs      string
		wantOK        bool
	}{
		{"!weather", "!weather", "", true},
		{"!weather tomorrow", "!weather", "tomorrow", true},
		{"!weather\ttomorrow  ", "!weather", "tomorrow", true},
		{"!weathermap", "!weather", "", false},
		{"say !weather", "!weather", "", false},
		{"!weather", "", "", false},
	}
	for _, tt := range tests {
		args, ok := match(tt.text, tt.pattern)
		if ok != tt.wantOK || args != tt.wantArgs {
			t.Errorf("match(%q, %q) = %q, %v; want %q, %v",
				tt.text, tt.pattern, args, ok, tt.wantArgs, tt.wantOK)
		}
	}
}

func TestRouteHigherPriorityWins(t *testing.T) {
	rec := &recorder{}
	r := newTestRouter(rec)
	r.Bind("low", "!cmd", 10)
	r.Bind("high", "!cmd", 50)

	routeAndWait(t, r, plugin.Envelope{ID: "e1", Text: "!cmd hello"})

	calls := rec.Calls()
	if len(calls) != 1 || calls[0] != "high:!cmd:hello" {
		t.Errorf("calls = %v, want [high:!cmd:hello]", calls)
	}
}

func TestRouteRegistrationOrderBreaksPriorityTies(t *testing.T) {
	rec := &recorder{}
	r := newTestRouter(rec)
	r.Bind("first", "!cmd", 10)
	r.Bind("second", "!cmd", 10)

	routeAndWait(t, r, plugin.Envelope{ID: "e1", Text: "!cmd"})

	calls := rec.Calls()
	if len(calls) != 1 || calls[0] != "first:!cmd:" {
		t.Errorf("calls = %v, want [first:!cmd:]", calls)
	}
}

func TestRouteFallsThroughOnUnhandled(t *testing.T) {
	rec := &recorder{}
	rec.dispatch = func(owner string, _ plugin.Command) (*plugin.Reply, error) {
		if owner == "picky" {
			return nil, plugin.ErrUnhandled
		}
		return &plugin.Reply{Text: "done"}, nil
	}
	r := newTestRouter(rec)
	r.Bind("picky", "!cmd", 50)
	r.Bind("fallback", "!cmd", 10)

	routeAndWait(t, r, plugin.Envelope{ID: "e1", Source: "!abcd1234", Channel: "0", Text: "!cmd"})

	calls := rec.Calls()
	if len(calls) != 2 || calls[0] != "picky:!cmd:" || calls[1] != "fallback:!cmd:" {
		t.Fatalf("calls = %v, want picky then fallback", calls)
	}

	replies := rec.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want one", replies)
	}
	// Reply defaults address the inbound sender on the inbound channel.
	if replies[0].Destination != "!abcd1234" || replies[0].Channel != "0" || replies[0].Text != "done" {
		t.Errorf("reply = %+v", replies[0])
	}
}

func TestRouteStopsAfterHandlerFault(t *testing.T) {
	rec := &recorder{}
	rec.dispatch = func(owner string, _ plugin.Command) (*plugin.Reply, error) {
		if owner == "broken" {
			return nil, errors.New("boom")
		}
		return &plugin.Reply{Text: "never"}, nil
	}
	r := newTestRouter(rec)
	r.Bind("broken", "!cmd", 50)
	r.Bind("healthy", "!cmd", 10)

	routeAndWait(t, r, plugin.Envelope{ID: "e1", Text: "!cmd"})

	// A real fault consumes the message; it does not fall through.
	calls := rec.Calls()
	if len(calls) != 1 || calls[0] != "broken:!cmd:" {
		t.Errorf("calls = %v, want only broken", calls)
	}
	if len(rec.Replies()) != 0 {
		t.Error("fault produced a reply")
	}
}

func TestRouteNoBindingMatches(t *testing.T) {
	rec := &recorder{}
	r := newTestRouter(rec)
	r.Bind("weather", "!weather", 10)

	routeAndWait(t, r, plugin.Envelope{ID: "e1", Text: "hello everyone"})

	if calls := rec.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestUnbindRemovesOnlyOwner(t *testing.T) {
	rec := &recorder{}
	r := newTestRouter(rec)
	r.Bind("weather", "!weather", 10)
	r.Bind("weather", "!forecast", 10)
	r.Bind("bbs", "!bbs", 10)

	r.Unbind("weather")

	bindings := r.Bindings()
	if len(bindings) != 1 || bindings[0].Plugin != "bbs" {
		t.Errorf("bindings = %+v, want only bbs", bindings)
	}
	r.Close()
}

func TestExplicitReplyFieldsAreKept(t *testing.T) {
	rec := &recorder{}
	rec.dispatch = func(string, plugin.Command) (*plugin.Reply, error) {
		return &plugin.Reply{Text: "pinned", Channel: "2", Destination: "!ffff0000"}, nil
	}
	r := newTestRouter(rec)
	r.Bind("weather", "!weather", 10)

	routeAndWait(t, r, plugin.Envelope{ID: "e1", Source: "!abcd1234", Channel: "0", Text: "!weather"})

	replies := rec.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want one", replies)
	}
	if replies[0].Channel != "2" || replies[0].Destination != "!ffff0000" {
		t.Errorf("reply = %+v, explicit addressing was overridden", replies[0])
	}
}
