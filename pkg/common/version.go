package common

import "fmt"

// Version information, overridable at build time via -ldflags
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionString returns a human-readable version banner
func VersionString() string {
	return fmt.Sprintf("descent %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
