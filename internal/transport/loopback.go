package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshboard/meshboard/pkg/plugin"
)

// Compile-time interface guard.
var _ Transport = (*Loopback)(nil)

// Loopback is an in-process transport for tests and radio-less development.
// Sent envelopes accumulate in a capture list; Inject simulates inbound
// traffic.
type Loopback struct {
	mu        sync.Mutex
	sent      []plugin.Envelope
	onMessage MessageFunc
	closed    bool
	sendErr   error
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Send implements Transport.
func (l *Loopback) Send(ctx context.Context, env plugin.Envelope) error {
	if err := ValidateEnvelope(env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&env, uuid.NewString)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	if l.closed {
		return plugin.ErrTransportUnavailable
	}
	l.sent = append(l.sent, env)
	return nil
}

// OnMessage implements Transport.
func (l *Loopback) OnMessage(fn MessageFunc) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

// Status implements Transport.
func (l *Loopback) Status() plugin.NetworkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return plugin.NetworkStatus{
		Connected: !l.closed,
		Kind:      "loopback",
	}
}

// Close implements Transport.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Inject delivers an envelope as if it arrived from the mesh.
func (l *Loopback) Inject(env plugin.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}

	l.mu.Lock()
	fn := l.onMessage
	l.mu.Unlock()

	if fn != nil {
		fn(env)
	}
}

// Sent returns a copy of everything sent so far.
func (l *Loopback) Sent() []plugin.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]plugin.Envelope, len(l.sent))
	copy(out, l.sent)
	return out
}

// FailSends makes subsequent sends return err. Pass nil to restore.
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}
