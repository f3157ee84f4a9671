// Package version reports the version stamped into the loom binaries.
package version

// Overridden by the release build:
//
//	go build -ldflags "-X loom/internal/version.version=v1.2.3"
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the stamped version, "dev" for local builds.
func String() string {
	return version
}
