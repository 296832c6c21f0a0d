package browser

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// candidate is a raw discovery hit before filtering and de-duplication.
type candidate struct {
	name string
	path string
}

var browserKeywords = []string{
	"chrome", "firefox", "edge", "opera", "brave", "vivaldi", "tor", "yandex", "chromium",
}

func isBrowserName(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range browserKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// cleanPath trims whitespace and quotes and expands environment variables.
// It returns "" for blank input.
func cleanPath(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	unquoted := strings.Trim(strings.Trim(trimmed, `"`), "'")
	return expandEnv(unquoted)
}

// expandEnv expands $VAR, ${VAR} and the Windows %VAR% form.
func expandEnv(s string) string {
	s = os.ExpandEnv(s)
	for {
		start := strings.Index(s, "%")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start+1:], "%")
		if end < 0 {
			return s
		}
		end += start + 1
		name := s[start+1 : end]
		val, ok := os.LookupEnv(name)
		if !ok || name == "" {
			// Leave unknown references untouched.
			return s
		}
		s = s[:start] + val + s[end+1:]
	}
}

// extractPathFromCmd pulls the executable out of a launch command line:
// the first quoted segment if there is one, otherwise the first token.
func extractPathFromCmd(cmd string) string {
	if strings.Contains(cmd, `"`) {
		parts := strings.Split(cmd, `"`)
		if len(parts) >= 2 {
			return cleanPath(parts[1])
		}
	}
	if fields := strings.Fields(cmd); len(fields) > 0 {
		return cleanPath(fields[0])
	}
	return ""
}

// isExecutable reports whether path names an existing regular file that
// the current platform would run.
func isExecutable(fs afero.Fs, path string) bool {
	if path == "" {
		return false
	}
	info, err := fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return hasExecutableBit(path, info.Mode())
}

// dedupe filters and collapses raw hits. An entry is kept if its path is
// executable, or if it has no path but looks like a browser by name.
// Duplicates share the lower-cased executable file name (or name when the
// path is missing); an executable entry beats one without, and among equals
// the longer path wins.
func dedupe(fs afero.Fs, raw []candidate) []Descriptor {
	seen := make(map[string]candidate)
	var order []string

	for _, c := range raw {
		c.name = strings.TrimSpace(c.name)
		c.path = cleanPath(c.path)

		if c.path != "" {
			if !isExecutable(fs, c.path) {
				continue
			}
		} else if !isBrowserName(c.name) {
			continue
		}

		key := strings.ToLower(c.name)
		if c.path != "" {
			key = strings.ToLower(filepath.Base(c.path))
		}

		existing, ok := seen[key]
		if !ok {
			seen[key] = c
			order = append(order, key)
			continue
		}

		curHas := isExecutable(fs, c.path)
		exHas := isExecutable(fs, existing.path)
		switch {
		case curHas && !exHas:
			seen[key] = c
		case curHas == exHas && c.path != "" && existing.path != "" && len(c.path) > len(existing.path):
			seen[key] = c
		}
	}

	out := make([]Descriptor, 0, len(order))
	for _, key := range order {
		c := seen[key]
		out = append(out, Descriptor{Name: c.name, ExecutablePath: c.path})
	}
	return out
}

// nameFromExecutable derives a display name from a bare executable path,
// e.g. "/opt/thorium/thorium-browser" -> "thorium-browser".
func nameFromExecutable(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
