// Package version holds build-time version metadata, overridden via
// -ldflags at build time.
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
