package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/forest6511/offline/pkg/storage"
)

// GCSBackend stores payloads in a Google Cloud Storage bucket.
type GCSBackend struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSBackend creates a GCS backend; call Init before use.
func NewGCSBackend() *GCSBackend {
	return &GCSBackend{}
}

// Init requires "bucket". "prefix", "keyFile" (service account JSON),
// "endpoint" and "emulatorHost" are optional; an emulator host disables
// authentication.
func (g *GCSBackend) Init(config map[string]interface{}) error {
	bucket, ok := config["bucket"].(string)
	if !ok || bucket == "" {
		return fmt.Errorf("%w: bucket is required for GCS backend", storage.ErrInvalidConfig)
	}
	g.bucket = bucket

	if prefix, ok := config["prefix"].(string); ok {
		g.prefix = strings.TrimSuffix(prefix, "/")
	}

	var opts []option.ClientOption
	if host, _ := config["emulatorHost"].(string); host != "" {
		opts = append(opts,
			option.WithEndpoint(fmt.Sprintf("http://%s/storage/v1/", host)),
			option.WithoutAuthentication(),
		)
	} else {
		if endpoint, _ := config["endpoint"].(string); endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		if keyFile, _ := config["keyFile"].(string); keyFile != "" {
			opts = append(opts, option.WithCredentialsFile(keyFile))
		}
	}

	client, err := gcs.NewClient(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create GCS client: %w", err)
	}

	g.client = client
	return nil
}

func (g *GCSBackend) object(key string) (*gcs.ObjectHandle, error) {
	if g.client == nil {
		return nil, storage.ErrBackendNotReady
	}
	return g.client.Bucket(g.bucket).Object(g.buildKey(key)), nil
}

// Save streams data into a new object generation.
func (g *GCSBackend) Save(ctx context.Context, key string, data io.Reader) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	obj, err := g.object(key)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", obj.ObjectName(), err)
	}

	// The upload is only committed once Close succeeds.
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS object %s: %w", obj.ObjectName(), err)
	}

	return nil
}

// Load opens a reader on the object.
func (g *GCSBackend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := g.object(key)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to open GCS object %s: %w", obj.ObjectName(), err)
	}

	return r, nil
}

// Delete removes the object.
func (g *GCSBackend) Delete(ctx context.Context, key string) error {
	obj, err := g.object(key)
	if err != nil {
		return err
	}

	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return storage.ErrKeyNotFound
		}
		return fmt.Errorf("failed to delete GCS object %s: %w", obj.ObjectName(), err)
	}

	return nil
}

// Exists fetches the object attributes.
func (g *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	obj, err := g.object(key)
	if err != nil {
		return false, err
	}

	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat GCS object %s: %w", obj.ObjectName(), err)
	}

	return true, nil
}

// List iterates objects under prefix.
func (g *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if g.client == nil {
		return nil, storage.ErrBackendNotReady
	}

	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: g.buildKey(prefix)})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		keys = append(keys, g.stripPrefix(attrs.Name))
	}

	return keys, nil
}

// Close releases the client.
func (g *GCSBackend) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GCSBackend) buildKey(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (g *GCSBackend) stripPrefix(name string) string {
	if g.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, g.prefix+"/")
}
