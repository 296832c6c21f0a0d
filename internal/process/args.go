package process

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/richpresence/browserd/internal/browser"
)

// Family selects the command-line dialect of a browser.
type Family int

const (
	Chromium Family = iota
	Firefox
)

func (f Family) String() string {
	if f == Firefox {
		return "firefox"
	}
	return "chromium"
}

var geckoNames = []string{"firefox", "librewolf", "waterfox", "floorp", "zen"}

// FamilyOf guesses the family from the executable name, falling back to
// the display name. Anything not Gecko-based is treated as Chromium.
func FamilyOf(d browser.Descriptor) Family {
	key := strings.ToLower(d.Name)
	if d.ExecutablePath != "" {
		key = strings.ToLower(filepath.Base(d.ExecutablePath)) + " " + key
	}
	for _, n := range geckoNames {
		if strings.Contains(key, n) {
			return Firefox
		}
	}
	return Chromium
}

// DebugOptions are the remote-debugging settings for one launch.
type DebugOptions struct {
	ProfileDir   string
	Host         string
	Port         int
	AllowOrigins string
}

// DebugArgs returns the command line that starts a browser of family f
// with its debugging endpoint bound as requested.
func DebugArgs(f Family, o DebugOptions) ([]string, error) {
	if o.ProfileDir == "" {
		return nil, fmt.Errorf("no profile directory")
	}
	if f == Firefox {
		args := []string{"--remote-debugging-port", strconv.Itoa(o.Port)}
		if o.AllowOrigins != "" {
			args = append(args, "--remote-allow-origins", o.AllowOrigins)
		}
		return append(args, "--new-instance", "-profile", o.ProfileDir), nil
	}

	flags := map[string]any{
		"remote-debugging-port":    strconv.Itoa(o.Port),
		"user-data-dir":            o.ProfileDir,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	if o.Host != "" {
		flags["remote-debugging-address"] = o.Host
	}
	if o.AllowOrigins != "" {
		flags["remote-allow-origins"] = o.AllowOrigins
	}
	return parseFlags(flags)
}

// parseFlags renders a flag map as --name=value / --name arguments in
// a stable order.
func parseFlags(flags map[string]any) ([]string, error) {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]string, 0, len(flags))
	for _, name := range names {
		switch value := flags[name].(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, "--"+name)
			}
		default:
			return nil, fmt.Errorf("invalid browser command line flag: %q=%v", name, value)
		}
	}
	return args, nil
}
