//go:build !windows

package browser

import "time"

// HostVersion returns the platform's way of reading a browser version.
func HostVersion(timeout time.Duration) VersionFunc {
	return CommandVersion(timeout)
}
