// Package version holds the service identity and build metadata
// injected via ldflags.
package version

// Service is the canonical service name, used in logs and metrics.
const Service = "knowd"

//nolint:revive // Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)
