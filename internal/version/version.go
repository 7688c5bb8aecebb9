// Package version holds the build version, set with
// -ldflags "-X github.com/fabian4/hostgate/internal/version.Value=v1.2.3".
package version

var Value = "dev"
