// Package transport defines the contract with the external mesh-radio
// message layer and provides the MQTT bridge and an in-process loopback.
// The core treats the transport as a collaborator delivering and accepting
// opaque envelopes; retry and backoff are the transport's business.
package transport

import (
	"context"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
)

// MessageFunc receives inbound envelopes from the transport.
type MessageFunc func(env plugin.Envelope)

// Transport is the collaborator contract. Implementations may sit on a
// serial line, a socket, or an MQTT bridge to a radio gateway; the core
// does not care.
type Transport interface {
	// Send forwards one envelope outbound. No internal retry: an error
	// means the envelope was not accepted.
	Send(ctx context.Context, env plugin.Envelope) error

	// OnMessage registers the inbound callback. Must be called before the
	// transport starts delivering.
	OnMessage(fn MessageFunc)

	// Status reports current connectivity.
	Status() plugin.NetworkStatus

	// Close shuts the transport down.
	Close() error
}

// ValidateEnvelope checks the shape the core requires before handing an
// envelope to the transport. Payload contents are never inspected.
func ValidateEnvelope(env plugin.Envelope) error {
	if env.Channel == "" && env.Destination == "" {
		return errEnvelopeUnroutable
	}
	if env.Text == "" && len(env.Payload) == 0 {
		return errEnvelopeEmpty
	}
	return nil
}

var (
	errEnvelopeUnroutable = &envelopeError{"envelope needs a channel or a destination"}
	errEnvelopeEmpty      = &envelopeError{"envelope has neither text nor payload"}
)

type envelopeError struct{ msg string }

func (e *envelopeError) Error() string { return e.msg }

// stamp fills in an envelope's bookkeeping fields if the sender left them
// empty.
func stamp(env *plugin.Envelope, id func() string) {
	if env.ID == "" {
		env.ID = id()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}
}
