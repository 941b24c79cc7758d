package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meshboard/meshboard/pkg/plugin"
	"golang.org/x/mod/semver"
)

// DependencyError explains why a plugin was excluded during resolution.
type DependencyError struct {
	Plugin   string
	Reason   string   // "missing", "version", "cycle", "dependency_excluded"
	Detail   string
	Subgraph []string // Cycle members, or the excluded dependency chain
}

func (e *DependencyError) Error() string {
	msg := fmt.Sprintf("plugin %q: %s", e.Plugin, e.Detail)
	if len(e.Subgraph) > 0 {
		msg += fmt.Sprintf(" [%s]", strings.Join(e.Subgraph, ", "))
	}
	return msg
}

// Exclusion pairs an excluded plugin with the error that excluded it.
type Exclusion struct {
	Name string
	Err  *DependencyError
}

// Resolve computes a safe load order for the given manifests.
//
// Plugins with missing dependencies, incompatible dependency versions, or
// membership in a dependency cycle are excluded, along with their transitive
// dependents; unrelated siblings are unaffected. The returned order and
// exclusions are deterministic for a given input set. Duplicate plugin names
// are a hard error: the caller cannot know which manifest to trust.
func Resolve(manifests []plugin.Manifest) (order []plugin.Manifest, excluded []Exclusion, err error) {
	byName := make(map[string]plugin.Manifest, len(manifests))
	for _, m := range manifests {
		if _, dup := byName[m.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate plugin name %q", m.Name)
		}
		byName[m.Name] = m
	}

	// Sorted name list keeps every pass deterministic.
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	exclusions := make(map[string]*DependencyError)

	// Pass 1: missing dependencies and version incompatibilities.
	for _, name := range names {
		m := byName[name]
		for _, dep := range m.Dependencies.Plugins {
			target, ok := byName[dep.Name]
			if !ok {
				exclusions[name] = &DependencyError{
					Plugin: name,
					Reason: "missing",
					Detail: fmt.Sprintf("depends on %q which is not present", dep.Name),
				}
				break
			}
			if dep.Version != "" && !versionSatisfies(target.Version, dep.Version) {
				exclusions[name] = &DependencyError{
					Plugin: name,
					Reason: "version",
					Detail: fmt.Sprintf("requires %s %s, found %s", dep.Name, dep.Version, target.Version),
				}
				break
			}
		}
	}

	// Pass 2: cascade exclusion to transitive dependents.
	for changed := true; changed; {
		changed = false
		for _, name := range names {
			if exclusions[name] != nil {
				continue
			}
			for _, dep := range byName[name].Dependencies.Plugins {
				cause := exclusions[dep.Name]
				if cause == nil {
					continue
				}
				exclusions[name] = &DependencyError{
					Plugin:   name,
					Reason:   "dependency_excluded",
					Detail:   fmt.Sprintf("depends on excluded plugin %q", dep.Name),
					Subgraph: append([]string{dep.Name}, cause.Subgraph...),
				}
				changed = true
				break
			}
		}
	}

	// Pass 3: Kahn's algorithm over the survivors. Anything left with
	// nonzero in-degree is part of a cycle (or depends on one).
	active := make(map[string]bool)
	for _, name := range names {
		if exclusions[name] == nil {
			active[name] = true
		}
	}

	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, name := range names {
		if !active[name] {
			continue
		}
		inDegree[name] += 0
		for _, dep := range byName[name].Dependencies.Plugins {
			if active[dep.Name] {
				inDegree[name]++
				dependents[dep.Name] = append(dependents[dep.Name], name)
			}
		}
	}

	var queue []string
	for _, name := range names {
		if active[name] && inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var ordered []string
	for len(queue) > 0 {
		sort.Strings(queue)
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, name)
		for _, d := range dependents[name] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(ordered) != len(active) {
		// Everything Kahn could not order either sits on a cycle or
		// depends on one. Report cycle members as the offending subgraph
		// and their downstream dependents as ordinary exclusions.
		remaining := make(map[string]bool)
		for _, name := range names {
			if active[name] && inDegree[name] > 0 {
				remaining[name] = true
			}
		}
		var cycled []string
		for _, name := range names {
			if remaining[name] && onCycle(name, byName, remaining) {
				cycled = append(cycled, name)
			}
		}
		for _, name := range names {
			if !remaining[name] {
				continue
			}
			if onCycle(name, byName, remaining) {
				exclusions[name] = &DependencyError{
					Plugin:   name,
					Reason:   "cycle",
					Detail:   "dependency cycle detected",
					Subgraph: cycled,
				}
			} else {
				exclusions[name] = &DependencyError{
					Plugin:   name,
					Reason:   "dependency_excluded",
					Detail:   "depends on a plugin inside a dependency cycle",
					Subgraph: cycled,
				}
			}
		}
	}

	for _, name := range ordered {
		order = append(order, byName[name])
	}
	for _, name := range names {
		if e := exclusions[name]; e != nil {
			excluded = append(excluded, Exclusion{Name: name, Err: e})
		}
	}
	return order, excluded, nil
}

// onCycle reports whether start can reach itself following dependency edges
// restricted to the given node set.
func onCycle(start string, byName map[string]plugin.Manifest, within map[string]bool) bool {
	visited := make(map[string]bool)
	var walk func(name string) bool
	walk = func(name string) bool {
		for _, dep := range byName[name].Dependencies.Plugins {
			if !within[dep.Name] {
				continue
			}
			if dep.Name == start {
				return true
			}
			if visited[dep.Name] {
				continue
			}
			visited[dep.Name] = true
			if walk(dep.Name) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

// versionSatisfies reports whether version meets the constraint. Supported
// forms: exact ("1.2.0"), minimum (">=1.2.0"), same-major ("^1" or "^1.2.0").
// Unparseable constraints never match.
func versionSatisfies(version, constraint string) bool {
	op, want, err := parseConstraint(constraint)
	if err != nil {
		return false
	}
	have := normalizeVersion(version)
	if !semver.IsValid(have) {
		return false
	}
	switch op {
	case ">=":
		return semver.Compare(have, want) >= 0
	case "^":
		return semver.Major(have) == semver.Major(want) && semver.Compare(have, want) >= 0
	default:
		return semver.Compare(have, want) == 0
	}
}

// parseConstraint splits a version constraint into operator and a canonical
// semver operand.
func parseConstraint(constraint string) (op, version string, err error) {
	c := strings.TrimSpace(constraint)
	switch {
	case strings.HasPrefix(c, ">="):
		op, c = ">=", strings.TrimSpace(c[2:])
	case strings.HasPrefix(c, "^"):
		op, c = "^", strings.TrimSpace(c[1:])
	}
	v := normalizeVersion(c)
	// "^1" is a bare major; pad so semver accepts it.
	if op == "^" && !strings.Contains(v, ".") {
		v += ".0.0"
	}
	if !semver.IsValid(v) {
		return "", "", fmt.Errorf("invalid version constraint %q", constraint)
	}
	return op, v, nil
}
