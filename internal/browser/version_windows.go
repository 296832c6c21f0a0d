//go:build windows

package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// HostVersion reads the file-version resource of the executable. Windows
// browsers treat --version as a request to open a window, so they are
// never run.
func HostVersion(_ time.Duration) VersionFunc {
	return func(ctx context.Context, path string) string {
		if ctx.Err() != nil {
			return ""
		}
		v, err := fileVersion(path)
		if err != nil {
			return ""
		}
		return v
	}
}

func fileVersion(path string) (string, error) {
	size, err := windows.GetFileVersionInfoSize(path, nil)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", errors.New("no version resource")
	}
	buf := make([]byte, size)
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&buf[0])); err != nil {
		return "", err
	}

	var (
		info *windows.VS_FIXEDFILEINFO
		n    uint32
	)
	if err := windows.VerQueryValue(unsafe.Pointer(&buf[0]), `\`, unsafe.Pointer(&info), &n); err != nil {
		return "", err
	}
	if info == nil || n == 0 {
		return "", errors.New("no fixed file info")
	}
	return fmt.Sprintf("%d.%d.%d.%d",
		info.FileVersionMS>>16, info.FileVersionMS&0xffff,
		info.FileVersionLS>>16, info.FileVersionLS&0xffff), nil
}
