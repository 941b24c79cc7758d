package permission

import (
	"errors"
	"reflect"
	"testing"

	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

func TestGrantAndRequire(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Grant("weather", []plugin.Permission{
		plugin.PermSendMessages,
		plugin.PermHTTPRequests,
	})

	if err := m.Require("weather", plugin.PermSendMessages); err != nil {
		t.Errorf("Require(granted) error = %v", err)
	}
	err := m.Require("weather", plugin.PermDatabaseAccess)
	if !errors.Is(err, plugin.ErrPermissionDenied) {
		t.Errorf("Require(undeclared) error = %v, want ErrPermissionDenied", err)
	}
}

func TestRequireUnknownPlugin(t *testing.T) {
	m := NewManager(zap.NewNop())
	if err := m.Require("stranger", plugin.PermSendMessages); !errors.Is(err, plugin.ErrPermissionDenied) {
		t.Errorf("Require(unknown plugin) error = %v, want ErrPermissionDenied", err)
	}
}

func TestGrantSkipsUnknownPermissions(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Grant("weather", []plugin.Permission{
		"launch_rockets",
		plugin.PermSendMessages,
	})

	if m.Check("weather", "launch_rockets") {
		t.Error("unknown permission was granted")
	}
	if !m.Check("weather", plugin.PermSendMessages) {
		t.Error("valid permission was not granted")
	}
}

func TestRevokeIsImmediate(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Grant("weather", []plugin.Permission{plugin.PermSendMessages})

	if err := m.Require("weather", plugin.PermSendMessages); err != nil {
		t.Fatalf("Require before revoke error = %v", err)
	}
	m.Revoke("weather", plugin.PermSendMessages)
	if err := m.Require("weather", plugin.PermSendMessages); !errors.Is(err, plugin.ErrPermissionDenied) {
		t.Errorf("Require after revoke error = %v, want ErrPermissionDenied", err)
	}
}

func TestGrantReplacesPreviousSet(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Grant("weather", []plugin.Permission{plugin.PermSendMessages, plugin.PermHTTPRequests})
	m.Grant("weather", []plugin.Permission{plugin.PermSendMessages})

	if m.Check("weather", plugin.PermHTTPRequests) {
		t.Error("stale grant survived re-grant")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Grant("weather", []plugin.Permission{plugin.PermSendMessages})
	m.Clear("weather")

	if got := m.Granted("weather"); len(got) != 0 {
		t.Errorf("Granted after Clear = %v, want empty", got)
	}
}

func TestGrantedIsSorted(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Grant("weather", []plugin.Permission{
		plugin.PermSystemStateRead,
		plugin.PermDatabaseAccess,
		plugin.PermHTTPRequests,
	})

	want := []plugin.Permission{
		plugin.PermDatabaseAccess,
		plugin.PermHTTPRequests,
		plugin.PermSystemStateRead,
	}
	if got := m.Granted("weather"); !reflect.DeepEqual(got, want) {
		t.Errorf("Granted = %v, want %v", got, want)
	}
}
