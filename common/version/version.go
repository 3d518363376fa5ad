// Package version holds build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/DennisMainhardt/bestii-sub000/common/version.Version=v1.2.0"
package version

var (
	// Version is the semantic version.
	Version = "v0.0.0-dev"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns a one-line description for `bestii version` and the startup log.
func Info() string {
	return "bestii " + Version + " (" + GitCommit + ") built at " + BuildTime
}

// Fields returns the build metadata as slog key/value pairs.
func Fields() []any {
	return []any{"version", Version, "commit", GitCommit, "build_time", BuildTime}
}
