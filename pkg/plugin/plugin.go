// Package plugin provides the public SDK types for Meshboard plugins.
// All Meshboard extensions (built-in and third-party) implement these
// interfaces and are loaded by the core host at startup.
package plugin

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API version constants for plugin compatibility checking.
// The host rejects manifests targeting a version outside this range.
const (
	APIVersionMin     = 1 // Oldest Plugin API version this host supports
	APIVersionCurrent = 1 // Current Plugin API version
)

// Plugin is the fixed interface every Meshboard extension implements.
// The host pairs each implementation with its manifest, injects scoped
// dependencies during Init, and routes commands and scheduled tasks to it.
type Plugin interface {
	// Manifest returns the plugin's descriptor. Must be constant for the
	// lifetime of the plugin.
	Manifest() Manifest

	// Init prepares the plugin with its capability-scoped dependencies.
	// An error here moves the plugin to the Failed state; it never runs.
	Init(ctx context.Context, deps Dependencies) error

	// HandleCommand processes an inbound mesh message matched to one of the
	// plugin's command bindings. Returning ErrUnhandled declines the match
	// and lets the router fall through to the next binding. A non-nil Reply
	// is sent back through the transport on the plugin's behalf.
	HandleCommand(ctx context.Context, cmd Command) (*Reply, error)

	// HandleTask runs one firing of a scheduled task owned by this plugin.
	// The context carries the task's execution deadline.
	HandleTask(ctx context.Context, task Task) error

	// Shutdown releases plugin resources. Called once on unload; must be
	// safe to call after a failed Init.
	Shutdown(ctx context.Context) error
}

// Dependencies provides controlled access to host services.
// Injected by the host during Init; every handle is scoped to the plugin's
// granted permissions and rechecks them on each call.
type Dependencies struct {
	Config    Config      // Scoped to this plugin's config section
	Logger    *zap.Logger // Named logger for this plugin
	Services  Services    // Message routing, system queries, inter-plugin calls
	Scheduler Scheduler   // Runtime task registration (schedule_tasks)
	KV        KV          // Persistent key/value storage (database_access)
	HTTP      HTTPDoer    // Outbound HTTP (http_requests)
}

// Command is an inbound mesh message matched to a command binding.
type Command struct {
	Envelope Envelope
	Pattern  string // The binding pattern that matched
	Args     string // Message text after the pattern, trimmed
}

// Reply is an optional response to a handled command. The router sends it
// through the transport using the plugin's send_messages permission.
type Reply struct {
	Text        string
	Channel     string // Defaults to the inbound envelope's channel
	Destination string // Defaults to the inbound envelope's source
}

// Task describes one firing of a scheduled task.
type Task struct {
	ID           string
	Name         string
	ScheduledFor time.Time
}

// TaskSpec declares a scheduled task at registration time.
// Exactly one of Cron, Every, or At must be set.
type TaskSpec struct {
	Name             string
	Cron             string        // Standard 5-field cron expression
	Every            time.Duration // Fixed interval, minimum 1s
	At               time.Time     // One-shot absolute time
	Timeout          time.Duration // Per-firing deadline; host default if zero
	FailureThreshold int           // Consecutive failures before auto-disable
}

// Scheduler lets a plugin manage its own tasks at runtime.
// Requires the schedule_tasks permission.
type Scheduler interface {
	Register(ctx context.Context, spec TaskSpec) (id string, err error)
	Cancel(ctx context.Context, id string) error
}

// KV is persistent key/value storage scoped to one plugin.
// Requires the database_access permission.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// HTTPDoer performs outbound HTTP requests on the plugin's behalf.
// Requires the http_requests permission. Mirrors http.Client.Do so plugin
// code can build standard requests directly.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config abstracts configuration access. Wraps Viper in the host,
// replaceable in tests.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}
