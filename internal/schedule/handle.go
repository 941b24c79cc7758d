package schedule

import (
	"context"
	"fmt"

	"github.com/meshboard/meshboard/internal/permission"
	"github.com/meshboard/meshboard/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.Scheduler = (*Handle)(nil)

// Handle is the plugin-facing scheduler surface. Every call rechecks the
// schedule_tasks permission, and a plugin can only cancel its own tasks.
type Handle struct {
	sched *Scheduler
	perms *permission.Manager
	owner string
}

// NewHandle scopes the scheduler to one plugin.
func NewHandle(sched *Scheduler, perms *permission.Manager, owner string) *Handle {
	return &Handle{sched: sched, perms: perms, owner: owner}
}

// Register implements plugin.Scheduler.
func (h *Handle) Register(ctx context.Context, spec plugin.TaskSpec) (string, error) {
	if err := h.perms.Require(h.owner, plugin.PermScheduleTasks); err != nil {
		return "", err
	}
	return h.sched.Register(ctx, h.owner, spec)
}

// Cancel implements plugin.Scheduler. Tasks owned by other plugins are
// reported as not found rather than revealing their existence.
func (h *Handle) Cancel(ctx context.Context, id string) error {
	if err := h.perms.Require(h.owner, plugin.PermScheduleTasks); err != nil {
		return err
	}
	owner, ok := h.sched.Owner(id)
	if !ok || owner != h.owner {
		return fmt.Errorf("cancel %q: %w", id, plugin.ErrTaskNotFound)
	}
	return h.sched.Cancel(ctx, id)
}
