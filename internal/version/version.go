package version

import "fmt"

var (
	// Version is the semantic version of the build. It can be overridden via ldflags.
	Version = "0.1.0"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// Info is the build metadata reported by health endpoints and `version --json`.
type Info struct {
	// Version is the semantic version.
	Version string `json:"version"`
	// Commit is the git SHA.
	Commit string `json:"commit"`
	// BuildTime is the UTC build timestamp.
	BuildTime string `json:"build_time"`
}

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit and build time.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}

// Get returns the build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
}

// UserAgent identifies outbound HTTP requests made by notification channels.
func UserAgent() string {
	return "overwatch/" + Version
}
