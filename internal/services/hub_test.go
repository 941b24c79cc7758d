package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

func echoHandler(_ context.Context, msg plugin.PluginMessage) (*plugin.PluginMessage, error) {
	return &plugin.PluginMessage{Type: msg.Type + ".reply", Payload: msg.Payload}, nil
}

func TestDeliverRoundTrip(t *testing.T) {
	h := NewHub(time.Second, nil, zap.NewNop())
	h.Register("echo", echoHandler)

	payload, _ := json.Marshal(map[string]string{"q": "ping"})
	resp, err := h.Deliver(context.Background(), "caller", "echo", "query", payload)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if resp == nil || resp.Type != "query.reply" {
		t.Fatalf("Deliver() response = %+v", resp)
	}
	if resp.From != "echo" || resp.To != "caller" {
		t.Errorf("response addressing = %s -> %s", resp.From, resp.To)
	}
	if resp.CorrelationID == "" {
		t.Error("response missing correlation id")
	}
}

func TestDeliverUnknownTarget(t *testing.T) {
	h := NewHub(time.Second, nil, zap.NewNop())
	_, err := h.Deliver(context.Background(), "caller", "ghost", "query", nil)
	if !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Errorf("Deliver() error = %v, want ErrPluginNotFound", err)
	}
}

func TestDeliverHandlerErrorIsWrapped(t *testing.T) {
	h := NewHub(time.Second, nil, zap.NewNop())
	h.Register("grumpy", func(context.Context, plugin.PluginMessage) (*plugin.PluginMessage, error) {
		return nil, errors.New("not today")
	})

	_, err := h.Deliver(context.Background(), "caller", "grumpy", "query", nil)
	if err == nil || !strings.Contains(err.Error(), "not today") {
		t.Errorf("Deliver() error = %v, want wrapped handler error", err)
	}
}

func TestDeliverRecoversHandlerPanic(t *testing.T) {
	h := NewHub(time.Second, nil, zap.NewNop())
	h.Register("bomb", func(context.Context, plugin.PluginMessage) (*plugin.PluginMessage, error) {
		panic("kaboom")
	})

	_, err := h.Deliver(context.Background(), "caller", "bomb", "query", nil)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Deliver() error = %v, want recovered panic", err)
	}
}

func TestDeliverTimesOutSlowHandler(t *testing.T) {
	h := NewHub(50*time.Millisecond, nil, zap.NewNop())
	h.Register("slow", func(ctx context.Context, _ plugin.PluginMessage) (*plugin.PluginMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	_, err := h.Deliver(context.Background(), "caller", "slow", "query", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Deliver() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Deliver() did not honor the hub timeout")
	}
}

func TestBroadcastSkipsSenderAndIsolatesFaults(t *testing.T) {
	h := NewHub(time.Second, nil, zap.NewNop())
	h.Register("alpha", echoHandler)
	h.Register("broken", func(context.Context, plugin.PluginMessage) (*plugin.PluginMessage, error) {
		return nil, errors.New("down")
	})
	h.Register("zulu", echoHandler)

	results := h.Broadcast(context.Background(), "zulu", "notice", nil)

	// Recipients are every registered plugin but the sender, by name.
	if len(results) != 2 {
		t.Fatalf("Broadcast() results = %+v, want 2", results)
	}
	if results[0].Plugin != "alpha" || results[1].Plugin != "broken" {
		t.Errorf("result order = [%s %s], want [alpha broken]", results[0].Plugin, results[1].Plugin)
	}
	if results[0].Err != nil || results[0].Response == nil {
		t.Errorf("alpha result = %+v, want success", results[0])
	}
	if results[1].Err == nil {
		t.Error("broken recipient reported no error")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := NewHub(time.Second, nil, zap.NewNop())
	h.Register("echo", echoHandler)
	h.Unregister("echo")

	_, err := h.Deliver(context.Background(), "caller", "echo", "query", nil)
	if !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Errorf("Deliver() after Unregister error = %v, want ErrPluginNotFound", err)
	}
}
