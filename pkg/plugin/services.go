package plugin

import (
	"context"
	"time"
)

// Services is the sanctioned interface plugins use to reach the mesh
// transport, query host state, and talk to other plugins. Every method is
// permission-checked against the calling plugin's grants.
type Services interface {
	// Send forwards an envelope to the mesh transport. Requires
	// send_messages. The transport owns retry and backoff; a send failure
	// is returned as-is, wrapped around ErrTransportUnavailable when the
	// transport is down.
	Send(ctx context.Context, env Envelope) error

	// NodeInfo returns identity and uptime of this host node.
	// Requires system_state_read.
	NodeInfo(ctx context.Context) (NodeInfo, error)

	// NetworkStatus returns the transport's view of mesh connectivity.
	// Requires system_state_read.
	NetworkStatus(ctx context.Context) (NetworkStatus, error)

	// ListPlugins returns status for every plugin the host knows about.
	// Requires system_state_read.
	ListPlugins(ctx context.Context) ([]PluginStatus, error)

	// PluginStatus returns status for one plugin, or ErrPluginNotFound.
	// Requires system_state_read.
	PluginStatus(ctx context.Context, name string) (PluginStatus, error)

	// SendTo delivers a message to another plugin and waits for its
	// response. Delivery is synchronous and in-process; a handler error is
	// returned to the caller, never propagated as a fault. Requires
	// interplugin_messaging.
	SendTo(ctx context.Context, target, msgType string, payload []byte) (*PluginMessage, error)

	// Broadcast delivers a message to every plugin with a registered
	// handler. Per-recipient failures are collected in the results; one
	// failing handler never aborts the batch. Requires
	// interplugin_messaging.
	Broadcast(ctx context.Context, msgType string, payload []byte) []BroadcastResult

	// HandleMessages registers this plugin's inter-plugin message handler.
	// At most one handler per plugin; later calls replace earlier ones.
	// Requires interplugin_messaging.
	HandleMessages(fn MessageHandler) error
}

// Envelope is the opaque message unit exchanged with the mesh transport.
// The core validates shape and routes on Channel/Source/Destination; Payload
// is never interpreted.
type Envelope struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Source      string    `json:"source"`
	Destination string    `json:"destination,omitempty"` // Empty means channel broadcast
	Text        string    `json:"text,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	ReceivedAt  time.Time `json:"received_at,omitempty"`
}

// PluginMessage is an ephemeral inter-plugin message, routed synchronously.
type PluginMessage struct {
	From          string
	To            string // Empty for broadcasts
	Type          string
	Payload       []byte
	CorrelationID string
}

// BroadcastResult is one recipient's outcome from a Broadcast.
type BroadcastResult struct {
	Plugin   string
	Response *PluginMessage
	Err      error
}

// MessageHandler processes inter-plugin messages. The returned message, if
// any, is handed back to the caller as the response.
type MessageHandler func(ctx context.Context, msg PluginMessage) (*PluginMessage, error)

// NodeInfo identifies the host node.
type NodeInfo struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// NetworkStatus is the transport's view of mesh connectivity.
type NetworkStatus struct {
	Connected   bool      `json:"connected"`
	Kind        string    `json:"kind"` // "mqtt", "loopback"
	Detail      string    `json:"detail,omitempty"`
	LastInbound time.Time `json:"last_inbound,omitempty"`
}

// PluginStatus is the host's administrative view of one plugin.
type PluginStatus struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	RestartCount int       `json:"restart_count"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}
