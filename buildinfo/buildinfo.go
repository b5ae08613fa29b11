// Package buildinfo holds application metadata. Release builds set it with
// ldflags:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/handheld-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/handheld-agent/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/handheld-agent/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Without ldflags, Commit and BuildTime fall back to the VCS stamp the Go
// toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	// Name is the technical application name (binary, NATS client name,
	// user agent).
	Name = "handheld-agent"

	// DirName is the data directory within the user config directory.
	DirName = "handheld-agent"

	// DisplayName is used for the mDNS instance and the landing page.
	DisplayName = "Handheld Agent"

	Description = "Handheld RFID and barcode reader agent with WebSocket control"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

var vcsOnce sync.Once

// fillFromVCS uses the embedded VCS stamp for values ldflags left empty.
func fillFromVCS() {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "" && len(s.Value) >= 7 {
					Commit = s.Value[:7]
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// FullVersion returns the version with the commit when known, e.g.
// "1.0.0 (abc1234)".
func FullVersion() string {
	fillFromVCS()
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns "handheld-agent/<version>".
func UserAgent() string {
	return Name + "/" + Version
}

// BuildInfo returns a multi-line description of the build.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

func IsDev() bool {
	return Version == "dev"
}
