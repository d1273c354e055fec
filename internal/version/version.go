// Package version exposes build identification for startup logging.
package version

import (
	"fmt"
	"runtime/debug"
)

// BuildVersion is set at build time via -ldflags.
var BuildVersion = "dev"

// Revision returns the VCS commit the binary was built from, with a +dirty
// suffix for local modifications.
func Revision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	revision, dirty := "unknown", false
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if dirty {
		revision += "+dirty"
	}
	return revision
}

func Info() string {
	return fmt.Sprintf("%s (%s)", BuildVersion, Revision())
}
