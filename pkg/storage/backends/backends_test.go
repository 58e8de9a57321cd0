package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/forest6511/offline/pkg/storage"
)

// exercise runs the common Backend contract against b.
func exercise(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	if err := storage.SaveBytes(ctx, b, "videos/lesson-1/a.mp4", []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := storage.SaveBytes(ctx, b, "videos/lesson-1/a.mp4", []byte("second")); err != nil {
		t.Fatalf("Save (overwrite): %v", err)
	}
	if err := storage.SaveBytes(ctx, b, "videos/lesson-2/b.mp4", []byte("other")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := storage.SaveBytes(ctx, b, "thumbs/lesson-1.png", []byte("png")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := storage.LoadBytes(ctx, b, "videos/lesson-1/a.mp4")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Load = %q, want second", got)
	}

	if ok, err := b.Exists(ctx, "videos/lesson-2/b.mp4"); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if ok, err := b.Exists(ctx, "videos/none.mp4"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}

	keys, err := b.List(ctx, "videos/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "videos/lesson-1/a.mp4" || keys[1] != "videos/lesson-2/b.mp4" {
		t.Errorf("List(videos/) = %v", keys)
	}

	if err := b.Delete(ctx, "videos/lesson-1/a.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "videos/lesson-1/a.mp4"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrKeyNotFound", err)
	}
	if _, err := b.Load(ctx, "videos/lesson-1/a.mp4"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Load(deleted) = %v, want ErrKeyNotFound", err)
	}
}

func TestFileSystemBackend(t *testing.T) {
	dir := t.TempDir()
	b := NewFileSystemBackend()
	if err := b.Init(map[string]interface{}{"basePath": dir}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	exercise(t, b)

	// Deleting the only file in a directory prunes the directory.
	if _, err := os.Stat(filepath.Join(dir, "videos", "lesson-1")); !os.IsNotExist(err) {
		t.Errorf("empty directory left behind: %v", err)
	}
}

func TestFileSystemBackend_IgnoresPartialFiles(t *testing.T) {
	dir := t.TempDir()
	b := NewFileSystemBackend()
	if err := b.Init(map[string]interface{}{"basePath": dir}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".partial-123"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	keys, err := b.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List returned partial files: %v", keys)
	}
}

func TestFileSystemBackend_RejectsTraversal(t *testing.T) {
	b := NewFileSystemBackend()
	if err := b.Init(map[string]interface{}{"basePath": t.TempDir()}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, key := range []string{"../escape", "/abs/path", ""} {
		if err := b.Save(context.Background(), key, strings.NewReader("x")); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Save(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestFileSystemBackend_FailedSaveKeepsPrevious(t *testing.T) {
	b := NewFileSystemBackend()
	if err := b.Init(map[string]interface{}{"basePath": t.TempDir()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()

	if err := storage.SaveBytes(ctx, b, "v.mp4", []byte("good")); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, "v.mp4", failingReader{}); err == nil {
		t.Fatal("expected save error")
	}

	got, err := storage.LoadBytes(ctx, b, "v.mp4")
	if err != nil || string(got) != "good" {
		t.Errorf("previous payload lost: %q, %v", got, err)
	}
}

func TestFileSystemBackend_NotReady(t *testing.T) {
	b := NewFileSystemBackend()
	if _, err := b.Load(context.Background(), "x"); !errors.Is(err, storage.ErrBackendNotReady) {
		t.Errorf("Load before Init = %v", err)
	}
	if err := b.Init(map[string]interface{}{}); !errors.Is(err, storage.ErrInvalidConfig) {
		t.Errorf("Init without basePath = %v", err)
	}
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	exercise(t, b)

	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
	if b.Bytes() != int64(len("other")+len("png")) {
		t.Errorf("Bytes() = %d", b.Bytes())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Save(ctx, "k", strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Save with cancelled ctx = %v", err)
	}
}

func TestNew(t *testing.T) {
	b, err := New(TypeFilesystem, map[string]interface{}{"basePath": t.TempDir()})
	if err != nil {
		t.Fatalf("New(filesystem): %v", err)
	}
	if _, ok := b.(*FileSystemBackend); !ok {
		t.Errorf("New(filesystem) returned %T", b)
	}

	if b, err = New(TypeMemory, nil); err != nil {
		t.Fatalf("New(memory): %v", err)
	}
	if _, ok := b.(*MemoryBackend); !ok {
		t.Errorf("New(memory) returned %T", b)
	}

	if _, err := New("tape", nil); !errors.Is(err, storage.ErrInvalidConfig) {
		t.Errorf("New(unknown) = %v", err)
	}
	if _, err := New(TypeS3, map[string]interface{}{}); !errors.Is(err, storage.ErrInvalidConfig) {
		t.Errorf("New(s3 without bucket) = %v", err)
	}
	if _, err := New(TypeGCS, map[string]interface{}{}); !errors.Is(err, storage.ErrInvalidConfig) {
		t.Errorf("New(gcs without bucket) = %v", err)
	}
}

func TestRedisBackend_Keys(t *testing.T) {
	r := &RedisBackend{prefix: "offline"}
	if got := r.buildKey("videos/a"); got != "offline:videos/a" {
		t.Errorf("buildKey = %q", got)
	}
	if got := r.stripPrefix("offline:videos/a"); got != "videos/a" {
		t.Errorf("stripPrefix = %q", got)
	}

	bare := NewRedisBackend()
	if got := bare.buildKey("k"); got != "k" {
		t.Errorf("buildKey without prefix = %q", got)
	}
	if err := bare.Save(context.Background(), "k", strings.NewReader("x")); !errors.Is(err, storage.ErrBackendNotReady) {
		t.Errorf("Save before Init = %v", err)
	}
}

func TestRedisBackend_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	r := NewRedisBackend()
	err := r.Init(map[string]interface{}{"addr": "127.0.0.1:1", "dialTimeout": 0.2})
	if err == nil {
		t.Error("expected connection error")
	}
	_ = r.Close()
}

type mockS3 struct {
	objects map[string][]byte
	puts    int
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	m.puts++
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	n := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &n}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestS3Backend(t *testing.T) {
	m := &mockS3{objects: make(map[string][]byte)}
	b := &S3Backend{client: m, bucket: "media", prefix: "offline"}

	exercise(t, b)

	if _, ok := m.objects["offline/thumbs/lesson-1.png"]; !ok {
		t.Errorf("objects not stored under prefix: %v", m.objects)
	}
	if m.puts != 4 {
		t.Errorf("PutObject calls = %d, want 4", m.puts)
	}
}

func TestS3Backend_NotReady(t *testing.T) {
	b := NewS3Backend()
	if _, err := b.List(context.Background(), ""); !errors.Is(err, storage.ErrBackendNotReady) {
		t.Errorf("List before Init = %v", err)
	}
}

func TestGCSBackend_Keys(t *testing.T) {
	g := &GCSBackend{prefix: "offline"}
	if got := g.buildKey("/videos/a"); got != "offline/videos/a" {
		t.Errorf("buildKey = %q", got)
	}
	if got := g.stripPrefix("offline/videos/a"); got != "videos/a" {
		t.Errorf("stripPrefix = %q", got)
	}
	if _, err := g.Exists(context.Background(), "x"); !errors.Is(err, storage.ErrBackendNotReady) {
		t.Errorf("Exists before Init = %v", err)
	}
}
