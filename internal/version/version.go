// Package version carries build metadata injected with -ldflags -X.
package version

var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// FullInfo returns version, commit and build time in logfmt form.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
