//go:build darwin

package browser

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

func platformCandidates(ctx context.Context, s *HostScanner) ([]candidate, error) {
	dirs := []string{"/Applications"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "Applications"))
	}

	var (
		out     []candidate
		readOK  int
		lastErr error
	)
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := afero.ReadDir(s.Fs, dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				lastErr = err
			}
			continue
		}
		readOK++
		for _, e := range entries {
			if !e.IsDir() || !strings.HasSuffix(e.Name(), ".app") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".app")
			if !isBrowserName(name) {
				continue
			}
			exe := filepath.Join(dir, e.Name(), "Contents", "MacOS", name)
			out = append(out, candidate{name: name, path: exe})
		}
	}
	if readOK == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
