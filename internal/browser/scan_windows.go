//go:build windows

package browser

import (
	"context"
	"errors"

	"golang.org/x/sys/windows/registry"
)

type smiRoot struct {
	hive registry.Key
	base string
}

var smiRoots = []smiRoot{
	{registry.CURRENT_USER, `SOFTWARE\Clients\StartMenuInternet`},
	{registry.LOCAL_MACHINE, `SOFTWARE\Clients\StartMenuInternet`},
	{registry.LOCAL_MACHINE, `SOFTWARE\WOW6432Node\Clients\StartMenuInternet`},
}

// platformCandidates enumerates the browsers registered under the
// StartMenuInternet keys.
func platformCandidates(ctx context.Context, s *HostScanner) ([]candidate, error) {
	var (
		out     []candidate
		readOK  int
		lastErr error
	)
	for _, root := range smiRoots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := registry.OpenKey(root.hive, root.base, registry.ENUMERATE_SUB_KEYS)
		if err != nil {
			if !errors.Is(err, registry.ErrNotExist) {
				lastErr = err
			}
			continue
		}
		subkeys, err := key.ReadSubKeyNames(-1)
		key.Close()
		if err != nil {
			lastErr = err
			continue
		}
		readOK++
		for _, sub := range subkeys {
			out = append(out, readSMIEntry(root.hive, root.base+`\`+sub, sub))
		}
	}
	if readOK == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func readSMIEntry(hive registry.Key, path, subkey string) candidate {
	name := readString(hive, path+`\Capabilities`, "ApplicationName")
	if name == "" {
		name = readString(hive, path, "")
	}
	if name == "" {
		name = subkey
	}
	var exe string
	if cmd := readString(hive, path+`\shell\open\command`, ""); cmd != "" {
		exe = extractPathFromCmd(cmd)
	}
	return candidate{name: name, path: exe}
}

func readString(hive registry.Key, path, value string) string {
	k, err := registry.OpenKey(hive, path, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer k.Close()
	v, _, err := k.GetStringValue(value)
	if err != nil {
		return ""
	}
	return v
}
