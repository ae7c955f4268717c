// Package build carries the version stamped into the nexus binary.
//
// Release builds set the variables with the linker:
//
//	go build -ldflags "-X github.com/haivivi/nexus/cmd/nexus/internal/build.Version=v0.3.0 \
//	  -X github.com/haivivi/nexus/cmd/nexus/internal/build.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/haivivi/nexus/cmd/nexus/internal/build.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package build

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the structured form printed by "nexus version --json".
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Get returns the build info. A "dev" build falls back to the module
// version recorded by the Go toolchain, if any.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Version == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("nexus %s (%s) built %s %s", i.Version, i.Commit, i.Date, i.Platform)
}

// String returns the one-line version banner.
func String() string {
	return Get().String()
}
