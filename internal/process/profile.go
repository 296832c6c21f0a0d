package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ProfileService creates browser profile directories.
type ProfileService interface {
	// CreateIsolated returns a new, empty directory for profile name.
	// Two calls never return the same directory.
	CreateIsolated(name string) (string, error)
}

// ProfileDirs creates profiles as <root>/<name>-<id>.
type ProfileDirs struct {
	fs   afero.Fs
	root string
}

// NewProfileDirs returns a profile service rooted at root, or at
// browserd-profiles under the system temp directory when root is empty.
func NewProfileDirs(fs afero.Fs, root string) *ProfileDirs {
	if root == "" {
		root = filepath.Join(os.TempDir(), "browserd-profiles")
	}
	return &ProfileDirs{fs: fs, root: root}
}

func (p *ProfileDirs) CreateIsolated(name string) (string, error) {
	id := uuid.New().String()[:8]
	dir := filepath.Join(p.root, safeName(name)+"-"+id)
	if err := p.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating profile directory: %w", err)
	}
	return dir, nil
}

// Plan returns the directory CreateIsolated would use for name, with a
// placeholder in place of the unique suffix.
func (p *ProfileDirs) Plan(name string) string {
	return filepath.Join(p.root, safeName(name)+"-<id>")
}

func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	name = strings.Trim(name, ".")
	if name == "" {
		return "default"
	}
	return name
}
