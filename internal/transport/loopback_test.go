package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/meshboard/meshboard/pkg/plugin"
)

func TestValidateEnvelope(t *testing.T) {
	tests := []struct {
		name string
		env  plugin.Envelope
		ok   bool
	}{
		{"channel and text", plugin.Envelope{Channel: "0", Text: "hi"}, true},
		{"destination and payload", plugin.Envelope{Destination: "!abcd1234", Payload: []byte{1}}, true},
		{"no route", plugin.Envelope{Text: "hi"}, false},
		{"no content", plugin.Envelope{Channel: "0"}, false},
		{"empty", plugin.Envelope{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelope(tt.env)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateEnvelope(%+v) = %v, want ok=%v", tt.env, err, tt.ok)
			}
		})
	}
}

func TestLoopbackSendCapturesAndStamps(t *testing.T) {
	l := NewLoopback()

	err := l.Send(context.Background(), plugin.Envelope{Channel: "0", Text: "hello mesh"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := l.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %d envelopes, want 1", len(sent))
	}
	if sent[0].ID == "" || sent[0].ReceivedAt.IsZero() {
		t.Errorf("Send() did not stamp envelope: %+v", sent[0])
	}
}

func TestLoopbackSendRejectsInvalidEnvelope(t *testing.T) {
	l := NewLoopback()
	if err := l.Send(context.Background(), plugin.Envelope{Text: "unroutable"}); err == nil {
		t.Error("Send() accepted envelope without route")
	}
	if len(l.Sent()) != 0 {
		t.Error("invalid envelope was captured")
	}
}

func TestLoopbackSendAfterClose(t *testing.T) {
	l := NewLoopback()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := l.Send(context.Background(), plugin.Envelope{Channel: "0", Text: "late"})
	if !errors.Is(err, plugin.ErrTransportUnavailable) {
		t.Errorf("Send() after Close error = %v, want ErrTransportUnavailable", err)
	}
	if l.Status().Connected {
		t.Error("Status() reports connected after Close")
	}
}

func TestLoopbackSendHonorsContext(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Send(ctx, plugin.Envelope{Channel: "0", Text: "too late"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Send() with canceled context error = %v", err)
	}
}

func TestLoopbackFailSends(t *testing.T) {
	l := NewLoopback()
	boom := errors.New("radio unplugged")
	l.FailSends(boom)

	if err := l.Send(context.Background(), plugin.Envelope{Channel: "0", Text: "x"}); !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want injected failure", err)
	}

	l.FailSends(nil)
	if err := l.Send(context.Background(), plugin.Envelope{Channel: "0", Text: "x"}); err != nil {
		t.Errorf("Send() after restore error = %v", err)
	}
}

func TestLoopbackInjectDeliversInbound(t *testing.T) {
	l := NewLoopback()

	var got []plugin.Envelope
	l.OnMessage(func(env plugin.Envelope) { got = append(got, env) })

	l.Inject(plugin.Envelope{Channel: "0", Source: "!abcd1234", Text: "!weather"})

	if len(got) != 1 {
		t.Fatalf("callback saw %d envelopes, want 1", len(got))
	}
	if got[0].ID == "" || got[0].ReceivedAt.IsZero() {
		t.Errorf("Inject() did not stamp envelope: %+v", got[0])
	}
	if got[0].Text != "!weather" {
		t.Errorf("Text = %q", got[0].Text)
	}
}

func TestLoopbackInjectWithoutCallback(t *testing.T) {
	l := NewLoopback()
	// Must not panic.
	l.Inject(plugin.Envelope{Channel: "0", Text: "nobody home"})
}
