// Package version holds build metadata injected at link time.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

var (
	mu      sync.RWMutex
	current = Info{Version: "dev", GoVersion: runtime.Version()}
)

// Set replaces the build metadata. Empty fields are filled from the
// module's embedded VCS settings when available.
func Set(v Info) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.Commit == "" || v.BuildTime == "" {
		revision, modified := vcsInfo()
		if v.Commit == "" {
			v.Commit = revision
		}
		if v.BuildTime == "" {
			v.BuildTime = modified
		}
	}
	v.GoVersion = runtime.Version()

	mu.Lock()
	current = v
	mu.Unlock()
}

// Current returns the build metadata.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// String formats the metadata for log lines and --version output.
func (i Info) String() string {
	s := i.Version
	if i.Commit != "" {
		commit := i.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		s += " (" + commit + ")"
	}
	return s + " " + i.GoVersion
}

func vcsInfo() (revision, buildTime string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		}
	}
	return revision, buildTime
}
