package main

import (
	"os"

	"github.com/pebble-dev/rtosdbg/cmd/rtosdbg/cmds"
	"github.com/pebble-dev/rtosdbg/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RtosdbgVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
