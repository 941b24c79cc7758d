package plugin

import "errors"

// Error taxonomy shared between the host and plugins. Plugins must handle
// these by degrading, not crashing; the host converts handler faults into
// these at dispatch boundaries.
var (
	// ErrPermissionDenied indicates the calling plugin lacks a grant for
	// the attempted operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPluginNotFound indicates the inter-plugin message target is not
	// registered or not running.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrTransportUnavailable indicates the mesh transport rejected or
	// could not accept an outbound envelope. The transport owns retries;
	// the core never retries on the plugin's behalf.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrUnhandled is returned by a command handler to decline a match and
	// let the router fall through to the next binding.
	ErrUnhandled = errors.New("command not handled")

	// ErrTaskNotFound indicates a scheduler operation referenced an
	// unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)
