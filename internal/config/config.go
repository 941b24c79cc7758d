// Package config provides Viper-backed host configuration and the
// plugin.Config implementation handed to plugins.
package config

import (
	"fmt"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/spf13/viper"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig wraps a Viper instance to implement plugin.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
// Returns the concrete type; callers assign to plugin.Config where needed.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Unmarshal(target any) error { return c.v.Unmarshal(target) }

func (c *ViperConfig) Get(key string) any            { return c.v.Get(key) }
func (c *ViperConfig) GetString(key string) string   { return c.v.GetString(key) }
func (c *ViperConfig) GetInt(key string) int         { return c.v.GetInt(key) }
func (c *ViperConfig) GetBool(key string) bool       { return c.v.GetBool(key) }
func (c *ViperConfig) IsSet(key string) bool         { return c.v.IsSet(key) }
func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) Sub(key string) plugin.Config {
	sub := c.v.Sub(key)
	if sub == nil {
		return New(nil)
	}
	return New(sub)
}

// Viper returns the underlying Viper instance for direct access by the host
// (top-level keys like server.port).
func (c *ViperConfig) Viper() *viper.Viper { return c.v }

// Load reads host configuration from a file and environment variables.
// An empty path searches the usual locations; a missing file is not an
// error, defaults apply.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.auth.enabled", true)
	v.SetDefault("server.auth.token_ttl", "12h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("storage.path", "./data/meshboard.db")
	v.SetDefault("storage.history_retention", "720h")
	v.SetDefault("node.name", "meshboard")
	v.SetDefault("transport.kind", "mqtt")
	v.SetDefault("transport.mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("transport.mqtt.topic_prefix", "meshboard")
	v.SetDefault("transport.mqtt.qos", 1)
	v.SetDefault("transport.send_rate", 1.0)
	v.SetDefault("transport.send_burst", 5)
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.default_timeout", "30s")
	v.SetDefault("scheduler.default_failure_threshold", 3)
	v.SetDefault("scheduler.prune_interval", "1h")
	v.SetDefault("router.workers", 8)
	v.SetDefault("router.handler_timeout", "30s")
	v.SetDefault("ipc.timeout", "10s")
	v.SetDefault("health.failure_threshold", 5)
	v.SetDefault("health.failure_window", "10m")
	v.SetDefault("health.restart_backoff_base", "5s")
	v.SetDefault("health.restart_backoff_cap", "5m")
	v.SetDefault("health.max_restarts", 4)
	v.SetDefault("plugins.dir", "./plugins")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("meshboard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshboard")
	}

	// Environment variable support: MB_SERVER_PORT=9090
	v.SetEnvPrefix("MB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
