// Package version reports what build of sonitag is running. Release builds
// set the variables with -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/sonitag/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/sonitag/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/sonitag/internal/version.BuildDate=2025-01-01"
//
// Other builds fall back to the VCS stamp the go tool embeds, when present.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// Commit is the short git SHA.
	Commit = "unknown"
	// BuildDate is the UTC build time.
	BuildDate = "unknown"
)

// Info is the resolved build description.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

var (
	once     sync.Once
	resolved Info
)

// Get returns the build description, filling Commit and BuildDate from the
// embedded VCS settings when ldflags left them unset.
func Get() Info {
	once.Do(func() {
		resolved = Info{Version: Version, Commit: Commit, BuildDate: BuildDate, GoVersion: runtime.Version()}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if resolved.Commit == "unknown" && len(s.Value) >= 7 {
					resolved.Commit = s.Value[:7]
				}
			case "vcs.time":
				if resolved.BuildDate == "unknown" {
					resolved.BuildDate = s.Value
				}
			case "vcs.modified":
				resolved.Modified = s.Value == "true"
			}
		}
	})
	return resolved
}

// String renders the line printed by `sonitag version`.
func String() string {
	i := Get()
	commit := i.Commit
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("sonitag %s (commit: %s, built: %s, %s)", i.Version, commit, i.BuildDate, i.GoVersion)
}
