package services

import (
	"context"

	"github.com/meshboard/meshboard/internal/permission"
	"github.com/meshboard/meshboard/internal/transport"
	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.Services = (*Access)(nil)

// StatusLister provides the host's read-only plugin view. Defined here
// (consumer-side) rather than importing the concrete host.
type StatusLister interface {
	ListStatuses() []plugin.PluginStatus
	Status(name string) (plugin.PluginStatus, bool)
}

// Access is the capability-scoped Services handle handed to one plugin.
// Every method is gated by its own permission only, so a manifest declaring
// just send_messages can send; failures are typed errors the plugin must
// handle by degrading, not crashing.
type Access struct {
	owner     string
	perms     *permission.Manager
	transport transport.Transport
	hub       *Hub
	node      plugin.NodeInfo
	plugins   StatusLister
	logger    *zap.Logger
}

// NewAccess scopes core service access to one plugin.
func NewAccess(owner string, perms *permission.Manager, tr transport.Transport, hub *Hub, node plugin.NodeInfo, plugins StatusLister, logger *zap.Logger) *Access {
	return &Access{
		owner:     owner,
		perms:     perms,
		transport: tr,
		hub:       hub,
		node:      node,
		plugins:   plugins,
		logger:    logger,
	}
}

func (a *Access) require(perm plugin.Permission) error {
	return a.perms.Require(a.owner, perm)
}

// Send implements plugin.Services. Validates shape and forwards to the
// transport; no internal retry.
func (a *Access) Send(ctx context.Context, env plugin.Envelope) error {
	if err := a.require(plugin.PermSendMessages); err != nil {
		return err
	}
	if err := transport.ValidateEnvelope(env); err != nil {
		return err
	}
	if env.Source == "" {
		env.Source = a.node.ID
	}
	return a.transport.Send(ctx, env)
}

// NodeInfo implements plugin.Services.
func (a *Access) NodeInfo(ctx context.Context) (plugin.NodeInfo, error) {
	if err := a.require(plugin.PermSystemStateRead); err != nil {
		return plugin.NodeInfo{}, err
	}
	return a.node, nil
}

// NetworkStatus implements plugin.Services.
func (a *Access) NetworkStatus(ctx context.Context) (plugin.NetworkStatus, error) {
	if err := a.require(plugin.PermSystemStateRead); err != nil {
		return plugin.NetworkStatus{}, err
	}
	return a.transport.Status(), nil
}

// ListPlugins implements plugin.Services.
func (a *Access) ListPlugins(ctx context.Context) ([]plugin.PluginStatus, error) {
	if err := a.require(plugin.PermSystemStateRead); err != nil {
		return nil, err
	}
	return a.plugins.ListStatuses(), nil
}

// PluginStatus implements plugin.Services.
func (a *Access) PluginStatus(ctx context.Context, name string) (plugin.PluginStatus, error) {
	if err := a.require(plugin.PermSystemStateRead); err != nil {
		return plugin.PluginStatus{}, err
	}
	st, ok := a.plugins.Status(name)
	if !ok {
		return plugin.PluginStatus{}, plugin.ErrPluginNotFound
	}
	return st, nil
}

// SendTo implements plugin.Services.
func (a *Access) SendTo(ctx context.Context, target, msgType string, payload []byte) (*plugin.PluginMessage, error) {
	if err := a.require(plugin.PermInterPlugin); err != nil {
		return nil, err
	}
	return a.hub.Deliver(ctx, a.owner, target, msgType, payload)
}

// Broadcast implements plugin.Services.
func (a *Access) Broadcast(ctx context.Context, msgType string, payload []byte) []plugin.BroadcastResult {
	if err := a.require(plugin.PermInterPlugin); err != nil {
		return []plugin.BroadcastResult{{Plugin: a.owner, Err: err}}
	}
	return a.hub.Broadcast(ctx, a.owner, msgType, payload)
}

// HandleMessages implements plugin.Services.
func (a *Access) HandleMessages(fn plugin.MessageHandler) error {
	if err := a.require(plugin.PermInterPlugin); err != nil {
		return err
	}
	a.hub.Register(a.owner, fn)
	return nil
}
