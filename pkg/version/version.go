package version

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of procmem.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// ProcmemVersion is the current version of procmem.
var ProcmemVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version procmem was built with followed by the
// main module and the modules it depends on, one per line.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version() + "\nnot built in module mode"
	}
	buf := new(bytes.Buffer)
	fmt.Fprintln(buf, runtime.Version())
	writeModule(buf, "mod", &info.Main)
	for _, dep := range info.Deps {
		writeModule(buf, "dep", dep)
	}
	return buf.String()
}

func writeModule(buf *bytes.Buffer, kind string, m *debug.Module) {
	fmt.Fprintf(buf, " %s\t%s\t%s\t%s", kind, m.Path, m.Version, m.Sum)
	if m.Replace != nil {
		fmt.Fprintf(buf, "\t=> %s\t%s\t%s", m.Replace.Path, m.Replace.Version, m.Replace.Sum)
	}
	buf.WriteByte('\n')
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
