// Package buildinfo exposes version metadata. Values come from -ldflags
// when set; otherwise the VCS stamp embedded by the Go toolchain fills
// the commit and build time.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time:
//
//	-ldflags "-X github.com/nugget/quarry/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

var (
	startTime = time.Now()
	vcsOnce   sync.Once
	vcsCommit string
	vcsTime   string
	vcsDirty  bool
)

func readVCS() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			vcsCommit = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			vcsDirty = s.Value == "true"
		}
	}
}

// Commit returns the short commit hash, suffixed with "-dirty" for a
// modified tree, or "unknown".
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	vcsOnce.Do(readVCS)
	if vcsCommit == "" {
		return "unknown"
	}
	c := vcsCommit
	if len(c) > 12 {
		c = c[:12]
	}
	if vcsDirty {
		c += "-dirty"
	}
	return c
}

// Built returns the build or commit time, or "unknown".
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	vcsOnce.Do(readVCS)
	if vcsTime == "" {
		return "unknown"
	}
	return vcsTime
}

// Info returns build and runtime info for the version endpoint and
// command.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("Quarry/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary.
func String() string {
	return fmt.Sprintf("Quarry %s (%s) built %s", Version, Commit(), Built())
}
