// Package storage defines the blob backends that hold downloaded lesson media.
// Rows describing the media live in the object store; the payload bytes live
// in one of these backends under an opaque key.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Errors returned by backends and the Manager. Backends wrap them so callers
// can match with errors.Is.
var (
	ErrKeyNotFound      = errors.New("blob not found")
	ErrInvalidKey       = errors.New("invalid blob key")
	ErrInvalidConfig    = errors.New("invalid blob backend configuration")
	ErrBackendNotReady  = errors.New("blob backend not initialized")
	ErrBackendNotFound  = errors.New("blob backend not registered")
	ErrNoDefaultBackend = errors.New("no default blob backend")
)

// Backend stores opaque payloads by key.
type Backend interface {
	// Init configures the backend from its section of the config file.
	Init(config map[string]interface{}) error

	// Save stores data at key, replacing any previous payload.
	Save(ctx context.Context, key string, data io.Reader) error

	// Load opens the payload at key. Missing keys return ErrKeyNotFound.
	Load(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the payload at key. Missing keys return ErrKeyNotFound.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds a payload.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases connections held by the backend.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Type is one of filesystem, memory, redis, s3 or gcs.
	Type string `json:"type"`

	// Config holds backend-specific settings.
	Config map[string]interface{} `json:"config,omitempty"`
}

// ValidateKey rejects keys that could escape a backend's namespace.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// SaveBytes stores data at key.
func SaveBytes(ctx context.Context, b Backend, key string, data []byte) error {
	return b.Save(ctx, key, bytes.NewReader(data))
}

// LoadBytes reads the whole payload at key.
func LoadBytes(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, err := b.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return data, nil
}

// Manager holds named backends and a default.
type Manager struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	defaultName string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{backends: make(map[string]Backend)}
}

// Register adds a backend under name; the first one registered becomes the default.
func (m *Manager) Register(name string, backend Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backends[name] = backend
	if m.defaultName == "" {
		m.defaultName = name
	}
}

// SetDefault selects the backend used by Default.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.backends[name]; !ok {
		return ErrBackendNotFound
	}
	m.defaultName = name
	return nil
}

// Get returns a backend by name.
func (m *Manager) Get(name string) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backends[name]
	if !ok {
		return nil, ErrBackendNotFound
	}
	return b, nil
}

// Default returns the default backend.
func (m *Manager) Default() (Backend, error) {
	m.mu.RLock()
	name := m.defaultName
	m.mu.RUnlock()

	if name == "" {
		return nil, ErrNoDefaultBackend
	}
	return m.Get(name)
}

// DefaultName returns the name of the default backend.
func (m *Manager) DefaultName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// Names lists registered backends in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.backends))
	for n := range m.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every backend and returns the last error seen.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, b := range m.backends {
		if err := b.Close(); err != nil {
			lastErr = fmt.Errorf("closing %s backend: %w", name, err)
		}
	}
	return lastErr
}
