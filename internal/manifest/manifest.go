// Package manifest parses plugin manifest documents and resolves the safe
// load order across a set of plugins.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/meshboard/meshboard/pkg/plugin"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// FieldError describes one invalid manifest field.
type FieldError struct {
	Field  string
	Detail string
}

// ValidationError collects every invalid field in a manifest document.
// The offending plugin is excluded from loading; validation is never fatal
// to the host.
type ValidationError struct {
	Name   string // Best-effort plugin name, may be empty
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Detail)
	}
	name := e.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("manifest %s invalid: %s", name, strings.Join(parts, "; "))
}

// Parse decodes and validates a manifest document. All field errors are
// collected into a single ValidationError rather than failing on the first.
func Parse(data []byte) (*plugin.Manifest, error) {
	var m plugin.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "document", Detail: err.Error()}}}
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*plugin.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", path, err)
	}
	return Parse(data)
}

// Discover loads every *.yaml manifest under dir. Malformed documents are
// returned separately; they exclude their plugin, never the whole set.
func Discover(dir string) (manifests []plugin.Manifest, malformed []error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read plugin dir %q: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		m, perr := Load(filepath.Join(dir, e.Name()))
		if perr != nil {
			malformed = append(malformed, perr)
			continue
		}
		manifests = append(manifests, *m)
	}
	return manifests, malformed, nil
}

// Validate checks every manifest field, collecting all problems.
func Validate(m *plugin.Manifest) error {
	var fields []FieldError
	add := func(field, detail string) {
		fields = append(fields, FieldError{Field: field, Detail: detail})
	}

	if m.Name == "" {
		add("name", "required")
	} else if !namePattern.MatchString(m.Name) {
		add("name", "must match [a-z][a-z0-9_-]*")
	}

	if m.Version == "" {
		add("version", "required")
	} else if !semver.IsValid(normalizeVersion(m.Version)) {
		add("version", fmt.Sprintf("%q is not a semantic version", m.Version))
	}

	if m.APIVersion < plugin.APIVersionMin || m.APIVersion > plugin.APIVersionCurrent {
		add("api_version", fmt.Sprintf("targets v%d, host supports v%d..v%d",
			m.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent))
	}

	for i, p := range m.Permissions {
		if !p.Valid() {
			add(fmt.Sprintf("permissions[%d]", i), fmt.Sprintf("unknown permission %q", p))
		}
	}

	seen := make(map[string]bool)
	for i, d := range m.Dependencies.Plugins {
		field := fmt.Sprintf("dependencies.plugins[%d]", i)
		if d.Name == "" {
			add(field, "name required")
			continue
		}
		if d.Name == m.Name {
			add(field, "plugin cannot depend on itself")
		}
		if seen[d.Name] {
			add(field, fmt.Sprintf("duplicate dependency %q", d.Name))
		}
		seen[d.Name] = true
		if d.Version != "" {
			if _, _, verr := parseConstraint(d.Version); verr != nil {
				add(field, verr.Error())
			}
		}
	}

	for i, c := range m.Commands {
		if c.Pattern == "" {
			add(fmt.Sprintf("commands[%d].pattern", i), "required")
		}
	}

	for i, t := range m.Tasks {
		field := fmt.Sprintf("scheduled_tasks[%d]", i)
		if t.Name == "" {
			add(field+".name", "required")
		}
		set := 0
		if t.Cron != "" {
			set++
		}
		if t.Every != 0 {
			set++
		}
		if !t.At.IsZero() {
			set++
		}
		if set != 1 {
			add(field, "exactly one of cron, every, at must be set")
		}
		if t.FailureThreshold < 0 {
			add(field+".failure_threshold", "must be non-negative")
		}
	}

	for name, f := range m.ConfigSchema {
		switch f.Type {
		case "string", "int", "bool", "duration", "float":
		default:
			add("config_schema."+name, fmt.Sprintf("unknown type %q", f.Type))
		}
	}

	if len(fields) > 0 {
		// Deterministic field order for error messages and tests.
		sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
		return &ValidationError{Name: m.Name, Fields: fields}
	}
	return nil
}

// normalizeVersion ensures the version string has a "v" prefix for semver
// comparison.
func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
