// Package sysinfo is the built-in diagnostic plugin. It answers node status
// queries over the mesh and keeps a boot counter in plugin storage.
package sysinfo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

const bootCountKey = "boot_count"

// Compile-time interface guard.
var _ plugin.Plugin = (*Module)(nil)

// Module implements the sysinfo plugin.
type Module struct {
	deps    plugin.Dependencies
	started time.Time
}

// New creates the sysinfo plugin.
func New() *Module {
	return &Module{}
}

// Manifest implements plugin.Plugin.
func (m *Module) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "sysinfo",
		Version:     "0.1.0",
		Description: "Node status and uptime over the mesh",
		Author:      "meshboard",
		APIVersion:  plugin.APIVersionCurrent,
		Permissions: []plugin.Permission{
			plugin.PermCoreServiceAccess,
			plugin.PermSendMessages,
			plugin.PermSystemStateRead,
			plugin.PermDatabaseAccess,
			plugin.PermScheduleTasks,
		},
		Commands: []plugin.CommandDecl{
			{Pattern: "!status", Priority: 10, Description: "Node state, uptime, and network link"},
			{Pattern: "!uptime", Priority: 10, Description: "Host uptime"},
		},
		Tasks: []plugin.TaskDecl{
			{Name: "heartbeat", Every: 15 * time.Minute},
		},
	}
}

// Init implements plugin.Plugin.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.deps = deps
	m.started = time.Now()

	raw, ok, err := deps.KV.Get(ctx, bootCountKey)
	if err != nil {
		return fmt.Errorf("read boot counter: %w", err)
	}
	count := 0
	if ok {
		count, _ = strconv.Atoi(string(raw))
	}
	count++
	if err := deps.KV.Put(ctx, bootCountKey, []byte(strconv.Itoa(count))); err != nil {
		return fmt.Errorf("write boot counter: %w", err)
	}

	deps.Logger.Info("sysinfo ready", zap.Int("boot_count", count))
	return nil
}

// HandleCommand implements plugin.Plugin.
func (m *Module) HandleCommand(ctx context.Context, cmd plugin.Command) (*plugin.Reply, error) {
	switch cmd.Pattern {
	case "!status":
		node, err := m.deps.Services.NodeInfo(ctx)
		if err != nil {
			return nil, err
		}
		net, err := m.deps.Services.NetworkStatus(ctx)
		if err != nil {
			return nil, err
		}
		link := "down"
		if net.Connected {
			link = "up"
		}
		return &plugin.Reply{
			Text: fmt.Sprintf("%s %s | link %s (%s) | up %s",
				node.Name, node.Version, link, net.Kind, uptime(m.started)),
		}, nil
	case "!uptime":
		return &plugin.Reply{Text: "up " + uptime(m.started)}, nil
	default:
		return nil, plugin.ErrUnhandled
	}
}

// HandleTask implements plugin.Plugin.
func (m *Module) HandleTask(ctx context.Context, task plugin.Task) error {
	if task.Name != "heartbeat" {
		return fmt.Errorf("unknown task %q", task.Name)
	}
	m.deps.Logger.Info("heartbeat", zap.String("uptime", uptime(m.started)))
	return nil
}

// Shutdown implements plugin.Plugin.
func (m *Module) Shutdown(context.Context) error {
	return nil
}

func uptime(since time.Time) string {
	d := time.Since(since).Round(time.Second)
	return d.String()
}
