// Package backends implements storage.Backend for the local filesystem,
// memory, Redis, S3 and Google Cloud Storage.
package backends

import (
	"fmt"
	"strings"

	"github.com/forest6511/offline/pkg/storage"
)

// Backend type names.
const (
	TypeFilesystem = "filesystem"
	TypeMemory     = "memory"
	TypeRedis      = "redis"
	TypeS3         = "s3"
	TypeGCS        = "gcs"
)

// New constructs and initializes the backend named by kind.
func New(kind string, config map[string]interface{}) (storage.Backend, error) {
	var b storage.Backend

	switch strings.ToLower(kind) {
	case "", TypeFilesystem:
		b = NewFileSystemBackend()
	case TypeMemory:
		b = NewMemoryBackend()
	case TypeRedis:
		b = NewRedisBackend()
	case TypeS3:
		b = NewS3Backend()
	case TypeGCS:
		b = NewGCSBackend()
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", storage.ErrInvalidConfig, kind)
	}

	if config == nil {
		config = map[string]interface{}{}
	}
	if err := b.Init(config); err != nil {
		return nil, err
	}

	return b, nil
}
