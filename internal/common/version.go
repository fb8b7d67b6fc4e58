package common

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Overridden at build time via -ldflags.
var (
	version   = "v0.0.0-dev"
	gitCommit = "none"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the full build information.
func Get() BuildInfo {
	commit := gitCommit

	if info, ok := debug.ReadBuildInfo(); ok && commit == "none" {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				commit = setting.Value
			}
		}
	}

	return BuildInfo{
		Version:   version,
		GitCommit: commit,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// GetVersion returns just the version string.
func GetVersion() string {
	return version
}
