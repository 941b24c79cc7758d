// Package version holds build identity, stamped via -ldflags at release.
package version

import "fmt"

var (
	// Version is the semantic version of this build.
	Version = "0.1.0-dev"
	// Commit is the git commit the binary was built from.
	Commit = "unknown"
	// Date is the build timestamp.
	Date = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Long returns a human-readable version line.
func Long() string {
	return fmt.Sprintf("meshboard %s (%s, built %s)", Version, Commit, Date)
}

// Map returns version fields for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}
