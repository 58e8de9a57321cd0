// Package fetch performs single byte-range reads against remote media sources.
// It is the only package in the engine that talks to a network transport.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/forest6511/offline/pkg/errors"
)

// Fetcher reads byte ranges from a source URL.
type Fetcher interface {
	// Probe returns the total size of the resource, or -1 when the source
	// cannot report it.
	Probe(ctx context.Context, rawURL string) (int64, error)

	// Fetch returns the bytes in [start, end]. An end below zero reads to the
	// end of the resource.
	Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error)
}

// Registry dispatches to a Fetcher by URL scheme.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register binds a fetcher to one or more URL schemes, replacing earlier bindings.
func (r *Registry) Register(f Fetcher, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
}

// Schemes returns the registered URL schemes.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}

	return out
}

// Lookup returns the fetcher responsible for rawURL.
func (r *Registry) Lookup(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.WrapErrorWithURL(err, errors.CodeInvalidURL, "invalid URL", rawURL)
	}

	r.mu.RLock()
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()

	if !ok {
		de := errors.NewDownloadError(errors.CodeInvalidURL, "no fetcher registered for scheme "+u.Scheme)
		de.URL = rawURL
		return nil, de
	}

	return f, nil
}

// Probe implements Fetcher.
func (r *Registry) Probe(ctx context.Context, rawURL string) (int64, error) {
	f, err := r.Lookup(rawURL)
	if err != nil {
		return -1, err
	}

	return f.Probe(ctx, rawURL)
}

// Fetch implements Fetcher.
func (r *Registry) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	f, err := r.Lookup(rawURL)
	if err != nil {
		return nil, err
	}

	return f.Fetch(ctx, rawURL, start, end)
}

// checkLength verifies that a bounded read returned exactly the requested range.
func checkLength(rawURL string, data []byte, start, end int64) error {
	if end < 0 {
		return nil
	}

	if want := end - start + 1; int64(len(data)) != want {
		de := errors.NewDownloadErrorWithDetails(
			errors.CodeCorruptedData,
			"range length mismatch",
			fmt.Sprintf("expected %d bytes for range %d-%d, got %d", want, start, end, len(data)),
		)
		de.URL = rawURL
		de.BytesTransferred = int64(len(data))
		return de
	}

	return nil
}
