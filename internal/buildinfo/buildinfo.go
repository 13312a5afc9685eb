// Package buildinfo carries the version stamp injected with -ldflags
// and the User-Agent derived from it.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/nugget/mxchat/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Field is one labelled value of an Info.
type Field struct {
	Name  string
	Value string
}

// Get returns the stamped build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Fields lists i in display order, keyed like the JSON form.
func (i Info) Fields() []Field {
	return []Field{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
	}
}

// String is the one-line banner, e.g. "mxchat v0.3.0 (1a2b3c4)".
func (i Info) String() string {
	return fmt.Sprintf("mxchat %s (%s)", i.Version, i.GitCommit)
}

// UserAgent identifies mxchat on HTTP requests and WebSocket dials.
func UserAgent() string {
	return fmt.Sprintf("mxchat/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
