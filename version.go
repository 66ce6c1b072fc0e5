package netcore

import (
	"fmt"
	"runtime"
)

// Build metadata. GitCommit and BuildDate are injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/ultrakipen/netcore.GitCommit=$(git rev-parse --short HEAD)"
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo is the build metadata reported by `netcore version -o json` and
// the netcore_build_info gauge.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetBuildInfo returns the current build metadata.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}
}

// GetVersion returns a human-readable version string.
func GetVersion() string {
	return fmt.Sprintf("netcore v%s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// UserAgent is the default User-Agent sent by HTTPTransport.
func UserAgent() string {
	if GitCommit == "unknown" || GitCommit == "" {
		return "netcore/" + Version
	}
	return fmt.Sprintf("netcore/%s (%s)", Version, GitCommit)
}
