package plugin

import "time"

// Manifest is the structured descriptor every plugin declares. Parsed once
// at discovery from a YAML document (or returned directly by built-in
// plugins) and never mutated afterwards.
type Manifest struct {
	Name         string         `yaml:"name"`
	Version      string         `yaml:"version"`
	Description  string         `yaml:"description,omitempty"`
	Author       string         `yaml:"author,omitempty"`
	APIVersion   int            `yaml:"api_version"`
	Dependencies DependencyDecl `yaml:"dependencies,omitempty"`
	Permissions  []Permission   `yaml:"permissions,omitempty"`
	ConfigSchema ConfigSchema   `yaml:"config_schema,omitempty"`
	Commands     []CommandDecl  `yaml:"commands,omitempty"`
	Tasks        []TaskDecl     `yaml:"scheduled_tasks,omitempty"`
	MenuItems    []MenuItem     `yaml:"menu_items,omitempty"`
}

// DependencyDecl groups a manifest's dependency declarations.
type DependencyDecl struct {
	Plugins  []PluginDep `yaml:"plugins,omitempty"`
	Packages []string    `yaml:"packages,omitempty"` // Informational only
}

// PluginDep names another plugin that must be Running first.
type PluginDep struct {
	Name string `yaml:"name"`
	// Version constrains the dependency's version: exact ("1.2.0"),
	// minimum (">=1.2.0"), or same-major ("^1"). Empty accepts any.
	Version string `yaml:"version,omitempty"`
}

// ConfigSchema maps config field names to their declarations.
type ConfigSchema map[string]ConfigField

// ConfigField declares one plugin config field.
type ConfigField struct {
	Type     string `yaml:"type"` // "string", "int", "bool", "duration"
	Required bool   `yaml:"required,omitempty"`
	Default  any    `yaml:"default,omitempty"`
}

// CommandDecl binds a message pattern to the plugin's command handler.
type CommandDecl struct {
	Pattern     string `yaml:"pattern"`
	Priority    int    `yaml:"priority,omitempty"` // Higher tried first
	Description string `yaml:"description,omitempty"`
}

// TaskDecl declares a scheduled task in the manifest. Exactly one of Cron,
// Every, or At must be set.
type TaskDecl struct {
	Name             string        `yaml:"name"`
	Cron             string        `yaml:"cron,omitempty"`
	Every            time.Duration `yaml:"every,omitempty"`
	At               time.Time     `yaml:"at,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
}

// MenuItem is dashboard menu metadata a plugin contributes.
type MenuItem struct {
	Label   string `yaml:"label"`
	Command string `yaml:"command"`
	Order   int    `yaml:"order,omitempty"`
}
