package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// migration is one schema version. Migrations only ever add tables, columns
// and indexes so an older database opens under a newer binary.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS videos (
				lesson_id     TEXT PRIMARY KEY,
				blob_key      TEXT NOT NULL,
				quality       TEXT NOT NULL,
				size          INTEGER NOT NULL,
				content_type  TEXT NOT NULL,
				downloaded_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_videos_downloaded_at ON videos(downloaded_at)`,
			`CREATE INDEX IF NOT EXISTS idx_videos_quality ON videos(quality)`,
			`CREATE INDEX IF NOT EXISTS idx_videos_size ON videos(size)`,

			`CREATE TABLE IF NOT EXISTS lessons (
				lesson_id     TEXT PRIMARY KEY,
				module_id     TEXT NOT NULL DEFAULT '',
				title         TEXT NOT NULL DEFAULT '',
				module_title  TEXT NOT NULL DEFAULT '',
				duration_ms   INTEGER NOT NULL DEFAULT 0,
				quality       TEXT NOT NULL,
				size          INTEGER NOT NULL,
				content_type  TEXT NOT NULL,
				metadata      TEXT NOT NULL DEFAULT '{}',
				downloaded_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_lessons_module ON lessons(module_id)`,

			`CREATE TABLE IF NOT EXISTS downloads (
				id               TEXT PRIMARY KEY,
				lesson_id        TEXT NOT NULL,
				quality          TEXT NOT NULL,
				status           TEXT NOT NULL,
				priority         INTEGER NOT NULL DEFAULT 0,
				progress         REAL NOT NULL DEFAULT 0,
				eta_ms           INTEGER NOT NULL DEFAULT 0,
				total_size       INTEGER NOT NULL DEFAULT 0,
				downloaded_bytes INTEGER NOT NULL DEFAULT 0,
				url              TEXT NOT NULL DEFAULT '',
				title            TEXT NOT NULL DEFAULT '',
				module_title     TEXT NOT NULL DEFAULT '',
				created_at       INTEGER NOT NULL,
				completed_at     INTEGER,
				error            TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status)`,
			`CREATE INDEX IF NOT EXISTS idx_downloads_priority ON downloads(priority)`,
			`CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_downloads_lesson_quality ON downloads(lesson_id, quality)`,

			`CREATE TABLE IF NOT EXISTS progress (
				id          TEXT PRIMARY KEY,
				event_key   TEXT NOT NULL,
				payload     TEXT NOT NULL,
				sync_status TEXT NOT NULL,
				created_at  INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_progress_sync_status ON progress(sync_status)`,
			`CREATE INDEX IF NOT EXISTS idx_progress_key ON progress(event_key)`,

			`CREATE TABLE IF NOT EXISTS achievements (
				id          TEXT PRIMARY KEY,
				event_key   TEXT NOT NULL,
				payload     TEXT NOT NULL,
				sync_status TEXT NOT NULL,
				created_at  INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_achievements_sync_status ON achievements(sync_status)`,

			`CREATE TABLE IF NOT EXISTS settings (
				id          TEXT PRIMARY KEY,
				event_key   TEXT NOT NULL UNIQUE,
				payload     TEXT NOT NULL,
				sync_status TEXT NOT NULL,
				created_at  INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_settings_sync_status ON settings(sync_status)`,
		},
	},
	{
		version: 2,
		name:    "resumable chunk state",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS chunks (
				resource_key TEXT NOT NULL,
				start_offset INTEGER NOT NULL,
				end_offset   INTEGER NOT NULL,
				data         BLOB NOT NULL,
				PRIMARY KEY (resource_key, start_offset)
			)`,
		},
	},
	{
		version: 3,
		name:    "sync attempt bookkeeping",
		statements: []string{
			`ALTER TABLE progress ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE progress ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE achievements ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE achievements ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE settings ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE settings ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
			`CREATE TABLE IF NOT EXISTS sync_state (
				category   TEXT PRIMARY KEY,
				last_sync  INTEGER,
				last_error TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
}

// migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return storageErr("create schema_migrations", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return storageErr(fmt.Sprintf("migration %d (%s)", m.version, m.name), err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, toNanos(s.now()))
			return storageErr("record migration", err)
		})
		if err != nil {
			return err
		}

		s.log.WithFields(logrus.Fields{
			"version": m.version,
			"name":    m.name,
		}).Info("applied schema migration")
	}

	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a new database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, storageErr("read schema version", err)
	}
	return int(v.Int64), nil
}
