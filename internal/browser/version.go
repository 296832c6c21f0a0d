package browser

import (
	"context"
	"os/exec"
	"regexp"
	"time"
)

// VersionFunc returns the version of the browser at path, or "" when it
// cannot be determined. It must honour ctx.
type VersionFunc func(ctx context.Context, path string) string

var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+`)

// parseVersion extracts the first dotted version number from s, e.g.
// "Google Chrome 120.0.6099.109 " -> "120.0.6099.109".
func parseVersion(s string) string {
	return versionPattern.FindString(s)
}

// CommandVersion runs `<path> --version` bounded by timeout. Only unix
// browsers answer this without opening a window; use HostVersion.
func CommandVersion(timeout time.Duration) VersionFunc {
	return func(ctx context.Context, path string) string {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, path, "--version").Output()
		if err != nil {
			return ""
		}
		return parseVersion(string(out))
	}
}
