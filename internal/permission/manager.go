// Package permission stores granted capabilities per plugin and gates every
// call into the scheduler and core service access.
package permission

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

// Manager holds the grant table. Grants are computed once from a manifest's
// declared permissions when the plugin moves to Initializing; they are never
// escalated afterwards, only revoked.
type Manager struct {
	mu     sync.RWMutex
	grants map[string]map[plugin.Permission]bool
	logger *zap.Logger
}

// NewManager creates an empty permission manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		grants: make(map[string]map[plugin.Permission]bool),
		logger: logger,
	}
}

// Grant records grants for the named plugin, derived from its declared
// permissions. Unknown permissions are skipped; a grant can never exceed the
// declaration. Calling Grant again for the same plugin replaces the set.
func (m *Manager) Grant(name string, declared []plugin.Permission) {
	set := make(map[plugin.Permission]bool, len(declared))
	for _, p := range declared {
		if !p.Valid() {
			m.logger.Warn("skipping unknown permission",
				zap.String("plugin", name),
				zap.String("permission", string(p)),
			)
			continue
		}
		set[p] = true
	}

	m.mu.Lock()
	m.grants[name] = set
	m.mu.Unlock()

	m.logger.Info("permissions granted",
		zap.String("plugin", name),
		zap.Int("count", len(set)),
	)
}

// Check reports whether the plugin currently holds the permission.
func (m *Manager) Check(name string, perm plugin.Permission) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[name][perm]
}

// Require returns nil if the plugin holds the permission, or a typed
// PermissionDenied error otherwise. Guards every Services and Scheduler
// entry point.
func (m *Manager) Require(name string, perm plugin.Permission) error {
	if !m.Check(name, perm) {
		return fmt.Errorf("plugin %q lacks %q: %w", name, perm, plugin.ErrPermissionDenied)
	}
	return nil
}

// Revoke removes a single grant. Subsequent Require calls fail immediately.
func (m *Manager) Revoke(name string, perm plugin.Permission) {
	m.mu.Lock()
	if set, ok := m.grants[name]; ok {
		delete(set, perm)
	}
	m.mu.Unlock()

	m.logger.Info("permission revoked",
		zap.String("plugin", name),
		zap.String("permission", string(perm)),
	)
}

// Clear removes every grant for the plugin. Called on unload.
func (m *Manager) Clear(name string) {
	m.mu.Lock()
	delete(m.grants, name)
	m.mu.Unlock()
}

// Granted returns the plugin's current grants, sorted, for the admin surface.
func (m *Manager) Granted(name string) []plugin.Permission {
	m.mu.RLock()
	set := m.grants[name]
	perms := make([]plugin.Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	m.mu.RUnlock()

	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}
