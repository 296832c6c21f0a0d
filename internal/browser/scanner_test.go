package browser

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richpresence/browserd/internal/logging"
)

func TestHostScannerAddsExtraPathsAndVersions(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExecutable(t, fs, "/usr/bin/google-chrome")
	writeExecutable(t, fs, "/opt/thorium/thorium")

	versions := map[string]string{
		"/usr/bin/google-chrome": "120.0",
		"/opt/thorium/thorium":   "117.0.5938.157",
	}
	s := NewHostScanner(fs, []string{"/opt/thorium/thorium"}, func(_ context.Context, path string) string {
		return versions[path]
	}, logging.Discard())
	s.sources = func(context.Context, *HostScanner) ([]candidate, error) {
		return []candidate{
			{name: "Google Chrome", path: "/usr/bin/google-chrome"},
			{name: "Opera", path: ""},
		}, nil
	}

	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Descriptor{
		{Name: "Google Chrome", ExecutablePath: "/usr/bin/google-chrome", Version: "120.0"},
		{Name: "Opera"},
		{Name: "thorium", ExecutablePath: "/opt/thorium/thorium", Version: "117.0.5938.157"},
	}, got)
}

func TestHostScannerCancelled(t *testing.T) {
	s := NewHostScanner(afero.NewMemMapFs(), nil, nil, logging.Discard())
	s.sources = func(ctx context.Context, _ *HostScanner) ([]candidate, error) {
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
