package plugin

// Permission is a named right to perform a gated host operation. Grants are
// derived from a manifest's declared permissions at initialization and are
// never escalated afterwards.
type Permission string

const (
	// PermSendMessages allows sending envelopes to the mesh transport.
	PermSendMessages Permission = "send_messages"
	// PermDatabaseAccess allows use of the plugin's persistent KV store.
	PermDatabaseAccess Permission = "database_access"
	// PermHTTPRequests allows outbound HTTP requests.
	PermHTTPRequests Permission = "http_requests"
	// PermScheduleTasks allows runtime registration of scheduled tasks.
	PermScheduleTasks Permission = "schedule_tasks"
	// PermSystemStateRead allows read-only host state queries.
	PermSystemStateRead Permission = "system_state_read"
	// PermInterPlugin allows synchronous plugin-to-plugin messaging.
	PermInterPlugin Permission = "interplugin_messaging"
	// PermCoreServiceAccess declares that the plugin consumes the host
	// services surface. Individual calls are gated by their own
	// permissions; this one is declarative, for operators and tooling.
	PermCoreServiceAccess Permission = "core_service_access"
)

// AllPermissions lists every permission the host understands, used by
// manifest validation to reject unknown declarations.
var AllPermissions = []Permission{
	PermSendMessages,
	PermDatabaseAccess,
	PermHTTPRequests,
	PermScheduleTasks,
	PermSystemStateRead,
	PermInterPlugin,
	PermCoreServiceAccess,
}

// Valid reports whether p is a permission the host understands.
func (p Permission) Valid() bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}
