package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/meshboard/meshboard/pkg/plugin"
)

// handlePlugins lists every plugin with its lifecycle state.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.host.ListStatuses())
}

// handlePlugin returns one plugin's status.
func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := s.host.Status(name)
	if !ok {
		NotFound(w, "unknown plugin "+name, r.URL.Path)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handlePluginEnable(w http.ResponseWriter, r *http.Request) {
	s.pluginAction(w, r, s.host.Enable)
}

func (s *Server) handlePluginDisable(w http.ResponseWriter, r *http.Request) {
	s.pluginAction(w, r, s.host.Disable)
}

func (s *Server) handlePluginReload(w http.ResponseWriter, r *http.Request) {
	s.pluginAction(w, r, s.host.Reload)
}

func (s *Server) pluginAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, name string) error) {
	name := r.PathValue("name")
	if err := fn(r.Context(), name); err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			NotFound(w, "unknown plugin "+name, r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	st, _ := s.host.Status(name)
	writeJSON(w, st)
}

// handlePermissions lists a plugin's granted permissions.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.host.Status(name); !ok {
		NotFound(w, "unknown plugin "+name, r.URL.Path)
		return
	}
	writeJSON(w, map[string]any{
		"plugin":      name,
		"permissions": s.perms.Granted(name),
	})
}

// handlePermissionRevoke withdraws one permission from a running plugin.
// Takes effect on the plugin's next call through the affected handle.
func (s *Server) handlePermissionRevoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	perm := plugin.Permission(r.PathValue("perm"))
	if _, ok := s.host.Status(name); !ok {
		NotFound(w, "unknown plugin "+name, r.URL.Path)
		return
	}
	if !perm.Valid() {
		BadRequest(w, "unknown permission "+string(perm), r.URL.Path)
		return
	}
	s.perms.Revoke(name, perm)
	writeJSON(w, map[string]any{
		"plugin":      name,
		"permissions": s.perms.Granted(name),
	})
}

// handleTasks lists every scheduled task definition.
func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.tasks.Tasks())
}

func (s *Server) handleTaskEnable(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.tasks.Enable)
}

func (s *Server) handleTaskDisable(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.tasks.Disable)
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, plugin.ErrTaskNotFound) {
			NotFound(w, "unknown task "+id, r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskExecutions returns recent execution history for one task,
// newest first.
func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(w, "limit must be a positive integer", r.URL.Path)
			return
		}
		limit = n
	}

	execs, err := s.tasks.History(r.Context(), id, limit)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, execs)
}
