// Package version holds the version of the engine tools.
package version

import (
	"fmt"
	"runtime/debug"
)

const (
	Major = 0
	Minor = 3
	Patch = 0
)

// PreRelease is set at link time for development builds.
var PreRelease = "pre"

// String returns the version string, including the vcs revision when the
// binary was built from a checkout.
func String() string {
	v := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
	if PreRelease != "" {
		v += "-" + PreRelease
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 8 {
				v += "+" + s.Value[:8]
			}
		}
	}
	return v
}
