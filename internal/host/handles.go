package host

import (
	"context"
	"net/http"

	"github.com/meshboard/meshboard/internal/permission"
	"github.com/meshboard/meshboard/internal/store"
	"github.com/meshboard/meshboard/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.KV       = (*kvHandle)(nil)
	_ plugin.HTTPDoer = (*httpHandle)(nil)
)

// kvHandle wraps the plugin's scoped storage behind a database_access check.
// Permissions are rechecked on every call so an admin revoke takes effect
// immediately, not at the next restart.
type kvHandle struct {
	owner string
	perms *permission.Manager
	kv    *store.PluginKV
}

func (h *kvHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := h.perms.Require(h.owner, plugin.PermDatabaseAccess); err != nil {
		return nil, false, err
	}
	return h.kv.Get(ctx, key)
}

func (h *kvHandle) Put(ctx context.Context, key string, value []byte) error {
	if err := h.perms.Require(h.owner, plugin.PermDatabaseAccess); err != nil {
		return err
	}
	return h.kv.Put(ctx, key, value)
}

func (h *kvHandle) Delete(ctx context.Context, key string) error {
	if err := h.perms.Require(h.owner, plugin.PermDatabaseAccess); err != nil {
		return err
	}
	return h.kv.Delete(ctx, key)
}

func (h *kvHandle) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := h.perms.Require(h.owner, plugin.PermDatabaseAccess); err != nil {
		return nil, err
	}
	return h.kv.Keys(ctx, prefix)
}

// httpHandle gates outbound HTTP behind the http_requests permission.
type httpHandle struct {
	owner  string
	perms  *permission.Manager
	client *http.Client
}

func (h *httpHandle) Do(req *http.Request) (*http.Response, error) {
	if err := h.perms.Require(h.owner, plugin.PermHTTPRequests); err != nil {
		return nil, err
	}
	return h.client.Do(req)
}
