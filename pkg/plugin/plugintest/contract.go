// Package plugintest provides shared contract tests and in-memory fakes
// for plugin.Plugin implementations. Every plugin's test file should call
// TestPluginContract to ensure conformance.
package plugintest

import (
	"context"
	"testing"

	"github.com/meshboard/meshboard/pkg/plugin"
)

// TestPluginContract runs a suite of behavioral contract tests against any
// plugin.Plugin implementation. Call this from each plugin's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return sysinfo.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()

	t.Run("Manifest_returns_valid_metadata", func(t *testing.T) {
		p := factory()
		m := p.Manifest()
		if m.Name == "" {
			t.Error("Manifest().Name must not be empty")
		}
		if m.Version == "" {
			t.Error("Manifest().Version must not be empty")
		}
		if m.APIVersion < plugin.APIVersionMin || m.APIVersion > plugin.APIVersionCurrent {
			t.Errorf("Manifest().APIVersion = %d, outside [%d, %d]",
				m.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
		}
		for _, perm := range m.Permissions {
			if !perm.Valid() {
				t.Errorf("Manifest() declares unknown permission %q", perm)
			}
		}
	})

	t.Run("Manifest_is_idempotent", func(t *testing.T) {
		p := factory()
		a := p.Manifest()
		b := p.Manifest()
		if a.Name != b.Name || a.Version != b.Version {
			t.Error("Manifest() must return consistent results")
		}
	})

	t.Run("Init_succeeds_with_valid_deps", func(t *testing.T) {
		p := factory()
		if err := p.Init(context.Background(), Deps(p.Manifest().Name)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		_ = p.Shutdown(context.Background())
	})

	t.Run("Shutdown_without_Init_does_not_panic", func(t *testing.T) {
		p := factory()
		_ = p.Shutdown(context.Background())
	})

	t.Run("HandleCommand_declines_unknown_pattern", func(t *testing.T) {
		p := factory()
		if err := p.Init(context.Background(), Deps(p.Manifest().Name)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		defer p.Shutdown(context.Background())

		_, err := p.HandleCommand(context.Background(), plugin.Command{
			Pattern: "!plugintest-no-such-pattern",
		})
		if err == nil {
			t.Error("HandleCommand() with unknown pattern should return an error")
		}
	})
}
