// Package version derives the build identity reported in startup logs,
// the /health payload, and outbound User-Agent headers.
package version

import (
	"runtime/debug"
	"strings"
)

// commit and buildTime may be injected with -ldflags for container
// builds that compile outside a git checkout.
var (
	commit    string
	buildTime string
)

// Info is the resolved build identity.
type Info struct {
	App      string
	Commit   string
	BuiltAt  string
	Modified bool
}

var current = resolve()

// resolve runs once at init. ldflags win; the VCS stamp embedded by the
// toolchain fills the gaps; "dev" covers go test and non-git builds.
func resolve() Info {
	info := Info{App: "teleforge", Commit: commit, BuiltAt: buildTime}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuiltAt == "" {
					info.BuiltAt = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "dev"
	}
	if len(info.Commit) > 8 {
		info.Commit = info.Commit[:8]
	}
	return info
}

// Current returns the resolved build identity.
func Current() Info { return current }

// Full renders "teleforge/<commit>", with a "+" suffix for builds from a
// modified tree.
func Full() string {
	var b strings.Builder
	b.WriteString(current.App)
	b.WriteByte('/')
	b.WriteString(current.Commit)
	if current.Modified {
		b.WriteByte('+')
	}
	return b.String()
}
