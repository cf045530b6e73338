package version

import "time"

// Name is stamped into checkpoint metadata and the CLI banner.
const Name = "s4train"

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

func Resolve() Info {
	resolved := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
	if resolved.Version == "" {
		resolved.Version = resolved.BuildTime
	}
	if resolved.Version == "" {
		resolved.Version = "dev-" + time.Now().UTC().Format("20060102")
	}
	return resolved
}

// String renders "s4train <version> (<short commit>)".
func String() string {
	info := Resolve()
	s := Name + " " + info.Version
	if info.Commit != "" {
		s += " (" + shortCommit(info.Commit) + ")"
	}
	return s
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
