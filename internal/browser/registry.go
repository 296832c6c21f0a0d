package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Scanner enumerates the browsers installed on the host.
type Scanner interface {
	Scan(ctx context.Context) ([]Descriptor, error)
}

// DiscoveryError reports a host-level failure while scanning. The registry
// keeps its previous inventory when one is returned.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("browser discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Registry caches the last successful scan. The slice is replaced
// wholesale on refresh and never mutated in place.
type Registry struct {
	scanner Scanner
	log     logrus.FieldLogger

	mu       sync.RWMutex
	browsers []Descriptor

	group singleflight.Group
}

func NewRegistry(scanner Scanner, log logrus.FieldLogger) *Registry {
	return &Registry{
		scanner:  scanner,
		log:      log.WithField("component", "registry"),
		browsers: []Descriptor{},
	}
}

// Refresh re-scans the host. Concurrent callers share one scan, which is
// not tied to any single caller: a caller whose ctx ends gets ctx.Err()
// while the scan carries on for the others.
func (r *Registry) Refresh(ctx context.Context) error {
	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		return nil, r.scan(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (r *Registry) scan(ctx context.Context) error {
	found, err := r.scanner.Scan(ctx)
	if err != nil {
		r.log.WithError(err).Warn("refresh failed, keeping previous inventory")
		return &DiscoveryError{Err: err}
	}
	if found == nil {
		found = []Descriptor{}
	}

	r.mu.Lock()
	r.browsers = found
	r.mu.Unlock()
	r.log.WithField("count", len(found)).Info("installed browsers refreshed")
	return nil
}

// List returns a copy of the cached inventory.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.browsers))
	copy(out, r.browsers)
	return out
}
