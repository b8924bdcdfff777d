// Package version holds build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time, e.g.
//
//	go build -ldflags "-X catimage/internal/version.Version=v1.2.0 -X catimage/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line human readable build description.
func Info() string {
	return fmt.Sprintf("catimage %s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}
