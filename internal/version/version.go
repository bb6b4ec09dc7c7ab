// Package version holds the application version, overridable at build
// time with -ldflags "-X github.com/cofferhq/coffer/internal/version.Version=v1.2.3".
package version

// Version is the application version string
var Version = "dev"
