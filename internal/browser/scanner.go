package browser

import (
	"context"
	"os/exec"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// maxVersionProbes bounds how many version lookups run at once.
const maxVersionProbes = 4

// HostScanner finds browsers using the platform's native registration
// mechanism plus any explicitly configured executables.
type HostScanner struct {
	Fs         afero.Fs
	ExtraPaths []string
	Version    VersionFunc
	Log        logrus.FieldLogger

	// lookPath resolves bare command names found in launcher entries.
	lookPath func(string) (string, error)
	// sources overrides the platform scan; nil means platformCandidates.
	sources func(ctx context.Context, s *HostScanner) ([]candidate, error)
}

func NewHostScanner(fs afero.Fs, extraPaths []string, version VersionFunc, log logrus.FieldLogger) *HostScanner {
	return &HostScanner{
		Fs:         fs,
		ExtraPaths: extraPaths,
		Version:    version,
		Log:        log.WithField("component", "scanner"),
		lookPath:   exec.LookPath,
	}
}

func (s *HostScanner) Scan(ctx context.Context) ([]Descriptor, error) {
	sources := s.sources
	if sources == nil {
		sources = platformCandidates
	}
	raw, err := sources(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, p := range s.ExtraPaths {
		raw = append(raw, candidate{name: nameFromExecutable(p), path: p})
	}

	found := dedupe(s.Fs, raw)
	if s.Version == nil {
		return found, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxVersionProbes)
	for i := range found {
		if !found[i].HasExecutable() {
			continue
		}
		g.Go(func() error {
			found[i].Version = s.Version(gctx, found[i].ExecutablePath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *HostScanner) resolve(cmd string) string {
	if cmd == "" || s.lookPath == nil {
		return cmd
	}
	if p, err := s.lookPath(cmd); err == nil {
		return p
	}
	return cmd
}
