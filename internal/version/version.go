// Package version provides build-time version information.
package version

// Set via ldflags, e.g.
// -ldflags "-X github.com/bodegaops/gatekeeper/internal/version.Version=v1.2.3".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)
