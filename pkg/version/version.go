// Package version carries host build information.
package version

import (
	"fmt"
	"runtime"
)

// Build information set by compiler flags.
var (
	// Version is the host's semantic version; modules check it through
	// their minimum-host-version declarations.
	Version = "1.0.0"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the time the binary was built.
	BuildTime = "unknown"

	// GoVersion is the version of Go used to build the binary.
	GoVersion = runtime.Version()
)

// FullVersion returns the full version string including commit and build
// time.
func FullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
