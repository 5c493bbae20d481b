// Package version exposes the build version stamp.
package version

import "runtime/debug"

// Version is the module build version
var Version string = "devel"

func init() {
	inf, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if inf.Main.Version != "" && inf.Main.Version != "(devel)" {
		Version = inf.Main.Version
	}
}
