package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/storage"
)

// isPathUnder checks if childPath is under parentPath in a cross-platform way
func isPathUnder(parentPath, childPath string) bool {
	absParent, err := filepath.Abs(parentPath)
	if err != nil {
		return false
	}
	absChild, err := filepath.Abs(childPath)
	if err != nil {
		return false
	}

	absParent = filepath.Clean(absParent)
	absChild = filepath.Clean(absChild)

	// On Windows, paths are case-insensitive
	if runtime.GOOS == "windows" {
		absParent = strings.ToLower(absParent)
		absChild = strings.ToLower(absChild)
	}

	rel, err := filepath.Rel(absParent, absChild)
	if err != nil {
		return false
	}

	return !strings.HasPrefix(rel, "..") && rel != "."
}

// FileSystemBackend keeps payloads as files below a base directory.
// Writes go to a temporary file that is renamed into place, so a reader
// never observes a half-written video.
type FileSystemBackend struct {
	basePath string
	log      logrus.FieldLogger
}

// NewFileSystemBackend creates a file system backend; call Init before use.
func NewFileSystemBackend() *FileSystemBackend {
	return &FileSystemBackend{log: logrus.StandardLogger().WithField("backend", "filesystem")}
}

// BasePath returns the resolved root directory.
func (fsb *FileSystemBackend) BasePath() string {
	return fsb.basePath
}

// Init expects "basePath"; a leading "~/" expands to the home directory.
func (fsb *FileSystemBackend) Init(config map[string]interface{}) error {
	basePath, ok := config["basePath"].(string)
	if !ok || basePath == "" {
		return fmt.Errorf("%w: basePath is required for filesystem backend", storage.ErrInvalidConfig)
	}

	if strings.HasPrefix(basePath, "~/") && runtime.GOOS != "windows" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		basePath = filepath.Join(homeDir, basePath[2:])
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return fmt.Errorf("failed to create base directory %s: %w", absPath, err)
	}

	fsb.basePath = absPath
	return nil
}

func (fsb *FileSystemBackend) resolve(key string) (string, error) {
	if fsb.basePath == "" {
		return "", storage.ErrBackendNotReady
	}
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	p := filepath.Join(fsb.basePath, filepath.FromSlash(key))
	if !isPathUnder(fsb.basePath, p) {
		return "", fmt.Errorf("%w: %s escapes base directory", storage.ErrInvalidKey, key)
	}
	return p, nil
}

// Save writes data to a temp file next to the target and renames it.
func (fsb *FileSystemBackend) Save(ctx context.Context, key string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := fsb.resolve(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		if err := os.Remove(tmpName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fsb.log.WithError(err).WithField("path", tmpName).Warn("failed to remove partial file")
		}
	}

	_, copyErr := io.Copy(tmp, &contextAwareReader{r: data, ctx: ctx})
	closeErr := tmp.Close()

	if copyErr != nil {
		cleanup()
		return fmt.Errorf("failed to save data to %s: %w", target, copyErr)
	}
	if closeErr != nil {
		cleanup()
		return fmt.Errorf("failed to flush %s: %w", target, closeErr)
	}

	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}

	return nil
}

// Load opens the file for key.
func (fsb *FileSystemBackend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := fsb.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(p) // #nosec G304 -- path is validated by resolve
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to open file %s: %w", p, err)
	}

	return &contextAwareReadCloser{contextAwareReader{r: file, ctx: ctx}, file}, nil
}

// Delete removes the file for key and prunes empty parent directories.
func (fsb *FileSystemBackend) Delete(ctx context.Context, key string) error {
	p, err := fsb.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrKeyNotFound
		}
		return fmt.Errorf("failed to delete file %s: %w", p, err)
	}

	fsb.cleanupEmptyDirs(filepath.Dir(p))
	return nil
}

// Exists reports whether the file for key exists.
func (fsb *FileSystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	p, err := fsb.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check file existence %s: %w", p, err)
	}
}

// List walks the base directory. Partial files from interrupted writes are skipped.
func (fsb *FileSystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if fsb.basePath == "" {
		return nil, storage.ErrBackendNotReady
	}

	var keys []string
	err := filepath.WalkDir(fsb.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".partial-") {
			return nil
		}

		key := fsb.pathToKey(path)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return keys, nil
}

// Close is a no-op.
func (fsb *FileSystemBackend) Close() error {
	return nil
}

func (fsb *FileSystemBackend) pathToKey(path string) string {
	rel, err := filepath.Rel(fsb.basePath, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// cleanupEmptyDirs removes empty parent directories up to the base path
func (fsb *FileSystemBackend) cleanupEmptyDirs(dir string) {
	if dir == fsb.basePath || !isPathUnder(fsb.basePath, dir) {
		return
	}

	if err := os.Remove(dir); err == nil {
		fsb.cleanupEmptyDirs(filepath.Dir(dir))
	}
}

// contextAwareReader stops reading once ctx is cancelled.
type contextAwareReader struct {
	r   io.Reader
	ctx context.Context
}

func (r *contextAwareReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type contextAwareReadCloser struct {
	contextAwareReader
	io.Closer
}
