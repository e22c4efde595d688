// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// Full returns the version with commit and build time.
func Full() string {
	return fmt.Sprintf("faultwatch %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
