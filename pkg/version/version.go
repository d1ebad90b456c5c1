// Package version carries build information stamped in by the linker.
package version

import "runtime"

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/newtron-network/vtepsync/pkg/version.Version=v1.0.0 \
//	  -X github.com/newtron-network/vtepsync/pkg/version.GitCommit=abc1234 \
//	  -X github.com/newtron-network/vtepsync/pkg/version.BuildDate=2026-01-01T00:00:00Z" ./cmd/vtepsync
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// IsDev reports whether the binary was built without version stamping.
func IsDev() bool {
	return Version == "dev"
}

// Info returns a formatted version string for display.
func Info() string {
	return Version + " (" + GitCommit + ") built " + BuildDate + " with " + runtime.Version()
}
