package main

import (
	"os"

	"github.com/go-delve/procmem/cmd/procmem/cmds"
	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.ProcmemVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		logflags.WriteError(err.Error())
		os.Exit(1)
	}
}
