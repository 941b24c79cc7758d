package sysinfo

import (
	"context"
	"strings"
	"testing"

	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/meshboard/meshboard/pkg/plugin/plugintest"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func initModule(t *testing.T) (*Module, plugin.Dependencies) {
	t.Helper()
	m := New()
	deps := plugintest.Deps("sysinfo")
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, deps
}

func TestStatusCommand(t *testing.T) {
	m, _ := initModule(t)

	reply, err := m.HandleCommand(context.Background(), plugin.Command{Pattern: "!status"})
	if err != nil {
		t.Fatalf("HandleCommand(!status) error = %v", err)
	}
	if reply == nil {
		t.Fatal("HandleCommand(!status) returned no reply")
	}
	// The fake services report node "testnode" with the link up.
	if !strings.Contains(reply.Text, "testnode") {
		t.Errorf("reply %q missing node name", reply.Text)
	}
	if !strings.Contains(reply.Text, "link up") {
		t.Errorf("reply %q missing link state", reply.Text)
	}
}

func TestUptimeCommand(t *testing.T) {
	m, _ := initModule(t)

	reply, err := m.HandleCommand(context.Background(), plugin.Command{Pattern: "!uptime"})
	if err != nil {
		t.Fatalf("HandleCommand(!uptime) error = %v", err)
	}
	if reply == nil || !strings.HasPrefix(reply.Text, "up ") {
		t.Errorf("reply = %+v, want uptime text", reply)
	}
}

func TestBootCounterIncrements(t *testing.T) {
	deps := plugintest.Deps("sysinfo")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		m := New()
		if err := m.Init(ctx, deps); err != nil {
			t.Fatalf("Init() #%d error = %v", i, err)
		}
		m.Shutdown(ctx)
	}

	raw, ok, err := deps.KV.Get(ctx, "boot_count")
	if err != nil || !ok {
		t.Fatalf("Get(boot_count) = ok=%v err=%v", ok, err)
	}
	if string(raw) != "3" {
		t.Errorf("boot_count = %s, want 3", raw)
	}
}

func TestHeartbeatTask(t *testing.T) {
	m, _ := initModule(t)

	if err := m.HandleTask(context.Background(), plugin.Task{Name: "heartbeat"}); err != nil {
		t.Errorf("HandleTask(heartbeat) error = %v", err)
	}
	if err := m.HandleTask(context.Background(), plugin.Task{Name: "mystery"}); err == nil {
		t.Error("HandleTask(unknown) = nil, want error")
	}
}
