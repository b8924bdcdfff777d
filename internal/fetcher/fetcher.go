// Package fetcher produces encoded bytes or decoded images for each request kind.
package fetcher

import (
	"context"
	"fmt"
	"sync"

	"catimage/internal/core"
)

// Registry dispatches requests to the fetcher registered for their kind.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[core.Kind]core.Fetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[core.Kind]core.Fetcher)}
}

// Register installs f for kind, replacing any previous fetcher.
func (r *Registry) Register(kind core.Kind, f core.Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[kind] = f
}

// Lookup returns the fetcher for kind.
func (r *Registry) Lookup(kind core.Kind) (core.Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[kind]
	return f, ok
}

// Fetch implements core.Fetcher by delegating on req.Kind.
func (r *Registry) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	f, ok := r.Lookup(req.Kind)
	if !ok {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, fmt.Sprintf("no fetcher for kind %s", req.Kind), nil)
	}
	res, err := f.Fetch(ctx, req)
	if err != nil {
		return core.Result{}, err
	}
	if req.Kind.ReturnsImage() && res.Image == nil {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "fetcher returned no image", nil)
	}
	return res, nil
}

var _ core.Fetcher = (*Registry)(nil)
