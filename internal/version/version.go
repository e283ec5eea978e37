package version

import "fmt"

var (
	// Version is set at build time with -ldflags.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build identity for -version output and the debug index.
func String() string {
	return fmt.Sprintf("rover %s (%s, built %s)", Version, GitSHA, BuildTime)
}
