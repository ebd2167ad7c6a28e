// Package version holds build metadata, normally set with -ldflags:
//
//	go build -ldflags "-X git.home.luguber.info/inful/emojibuilder/internal/version.Version=v0.3.0"
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version   = "unknown"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Resolved returns Version, falling back to the module version recorded by
// go install when no ldflags were given.
func Resolved() string {
	if Version != "unknown" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// String formats the version line printed by the CLI.
func String() string {
	return fmt.Sprintf("emojibuilder %s (commit %s, built %s)", Resolved(), GitCommit, BuildTime)
}
