// Package store persists tasks, resumable chunk state, lessons and sync events
// in a single SQLite database, with video payloads kept in a storage.Backend.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/storage"
)

const (
	// DatabaseFile is the database name inside the data directory.
	DatabaseFile = "offline.db"

	// LockFile guards the data directory against a second engine.
	LockFile = ".offline.lock"

	defaultBusyTimeout = 5 * time.Second
)

// Options configures Open.
type Options struct {
	// Dir holds the database and lock file.
	Dir string

	// Blobs receives video payloads. Required.
	Blobs storage.Backend

	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration

	Logger logrus.FieldLogger
}

// Store is the local object store.
type Store struct {
	db    *sql.DB
	lock  *flock.Flock
	blobs storage.Backend
	dir   string
	log   logrus.FieldLogger
	now   func() time.Time

	// blobMu keeps SweepOrphans from observing a payload whose rows are
	// not committed yet.
	blobMu sync.RWMutex
}

// Open locks opts.Dir, opens the database and applies pending migrations.
// It fails if another process already holds the directory.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.NewValidationError("dir", "data directory is required")
	}
	if opts.Blobs == nil {
		return nil, errors.NewValidationError("blobs", "a blob backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, errors.WrapError(err, errors.CodeStorageError, "failed to create data directory")
	}

	lock := flock.New(filepath.Join(opts.Dir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.WrapError(err, errors.CodeStorageError, "failed to lock data directory")
	}
	if !locked {
		return nil, errors.NewDownloadErrorWithDetails(errors.CodeStorageError,
			"data directory is in use by another process", opts.Dir)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		filepath.Join(opts.Dir, DatabaseFile), opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.WrapError(err, errors.CodeStorageError, "failed to open database")
	}
	// One connection serializes writers inside the process; WAL keeps the
	// file readable for external tooling meanwhile.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		lock:  lock,
		blobs: opts.Blobs,
		dir:   opts.Dir,
		log:   opts.Logger.WithField("component", "store"),
		now:   time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Blobs returns the payload backend.
func (s *Store) Blobs() storage.Backend {
	return s.blobs
}

// Close closes the database and releases the directory lock. The blob
// backend is owned by the caller.
func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return errors.WrapError(err, errors.CodeStorageError, "failed to close store")
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.WithError(rerr).Warn("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.GetErrorCode(err) != errors.CodeUnknown {
		return err
	}
	return errors.WrapError(err, errors.CodeStorageError, "store: "+op)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
