//go:build windows

package browser

import (
	"os"
	"strings"
)

func hasExecutableBit(path string, _ os.FileMode) bool {
	return strings.HasSuffix(strings.ToLower(path), ".exe")
}
