//go:build !linux && !darwin && !windows

package browser

import "context"

// platformCandidates has no native registry to consult; only configured
// extra paths are reported.
func platformCandidates(context.Context, *HostScanner) ([]candidate, error) {
	return nil, nil
}
