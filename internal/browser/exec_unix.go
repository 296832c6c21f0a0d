//go:build !windows

package browser

import "os"

func hasExecutableBit(_ string, mode os.FileMode) bool {
	return mode.Perm()&0o111 != 0
}
