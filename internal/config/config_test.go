package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := v.GetInt("server.port"); got != 8420 {
		t.Errorf("server.port = %d, want 8420", got)
	}
	if got := v.GetString("transport.kind"); got != "mqtt" {
		t.Errorf("transport.kind = %q, want mqtt", got)
	}
	if got := v.GetDuration("scheduler.tick_interval"); got != time.Second {
		t.Errorf("scheduler.tick_interval = %v, want 1s", got)
	}
	if got := v.GetInt("health.failure_threshold"); got != 5 {
		t.Errorf("health.failure_threshold = %d, want 5", got)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshboard.yaml")
	doc := `
server:
  port: 9999
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := v.GetInt("server.port"); got != 9999 {
		t.Errorf("server.port = %d, want 9999", got)
	}
	if got := v.GetString("logging.level"); got != "debug" {
		t.Errorf("logging.level = %q, want debug", got)
	}
	// Untouched keys keep their defaults.
	if got := v.GetString("node.name"); got != "meshboard" {
		t.Errorf("node.name = %q, want meshboard", got)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted malformed config")
	}
}

func TestViperConfigSub(t *testing.T) {
	v := viper.New()
	v.Set("plugins.weather.api_key", "abc123")
	v.Set("plugins.weather.interval", "5m")
	c := New(v)

	sub := c.Sub("plugins.weather")
	if got := sub.GetString("api_key"); got != "abc123" {
		t.Errorf("api_key = %q", got)
	}
	if got := sub.GetDuration("interval"); got != 5*time.Minute {
		t.Errorf("interval = %v", got)
	}

	// A missing section yields an empty config, not nil.
	empty := c.Sub("plugins.ghost")
	if empty == nil {
		t.Fatal("Sub(missing) returned nil")
	}
	if empty.IsSet("anything") {
		t.Error("empty section claims keys")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
		ok     bool
	}{
		{"json info", "info", "json", true},
		{"console debug", "debug", "console", true},
		{"empty format defaults to json", "warn", "", true},
		{"bad level", "shouty", "json", false},
		{"bad format", "info", "xml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set("logging.level", tt.level)
			v.Set("logging.format", tt.format)

			logger, err := NewLogger(v)
			if tt.ok && err != nil {
				t.Errorf("NewLogger() error = %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("NewLogger() = nil error, want failure")
			}
			if logger != nil {
				_ = logger.Sync()
			}
		})
	}
}
