//go:build linux

package browser

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/ini.v1"
)

// applicationDirs lists the XDG locations holding .desktop launchers.
func applicationDirs() []string {
	var dirs []string
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataHome = filepath.Join(home, ".local", "share")
		}
	}
	if dataHome != "" {
		dirs = append(dirs, filepath.Join(dataHome, "applications"))
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	for _, d := range filepath.SplitList(dataDirs) {
		dirs = append(dirs, filepath.Join(d, "applications"))
	}
	dirs = append(dirs,
		"/var/lib/flatpak/exports/share/applications",
		"/var/lib/snapd/desktop/applications",
	)
	return dirs
}

func platformCandidates(ctx context.Context, s *HostScanner) ([]candidate, error) {
	return s.desktopCandidates(ctx, applicationDirs())
}

// desktopCandidates reads every .desktop file in dirs that registers itself
// as a web browser. A dir that does not exist is skipped; the scan only
// fails when no dir could be read and at least one failed for another
// reason.
func (s *HostScanner) desktopCandidates(ctx context.Context, dirs []string) ([]candidate, error) {
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
				s.Log.WithError(err).WithField("dir", dir).Debug("cannot read application dir")
			}
			continue
		}
		readOK++
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".desktop") {
				continue
			}
			c, ok := s.parseDesktopFile(filepath.Join(dir, e.Name()))
			if ok {
				out = append(out, c)
			}
		}
	}
	if readOK == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (s *HostScanner) parseDesktopFile(path string) (candidate, bool) {
	data, err := afero.ReadFile(s.Fs, path)
	if err != nil {
		return candidate{}, false
	}
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, data)
	if err != nil {
		return candidate{}, false
	}
	sec, err := file.GetSection("Desktop Entry")
	if err != nil {
		return candidate{}, false
	}
	if sec.Key("Type").MustString("Application") != "Application" || sec.Key("Hidden").MustBool(false) {
		return candidate{}, false
	}
	categories := strings.Split(sec.Key("Categories").String(), ";")
	isBrowser := false
	for _, c := range categories {
		if strings.TrimSpace(c) == "WebBrowser" {
			isBrowser = true
			break
		}
	}
	name := sec.Key("Name").String()
	if !isBrowser && !isBrowserName(name) {
		return candidate{}, false
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".desktop")
	}

	exe := extractPathFromCmd(sec.Key("Exec").String())
	if exe != "" && !filepath.IsAbs(exe) {
		exe = s.resolve(exe)
	}
	return candidate{name: name, path: exe}, true
}
