package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

const eventColumns = `id, event_key, payload, sync_status, attempts, last_error, created_at, updated_at`

func tableFor(cat types.SyncCategory) (string, error) {
	switch cat {
	case types.CategoryProgress:
		return "progress", nil
	case types.CategoryAchievements:
		return "achievements", nil
	case types.CategorySettings:
		return "settings", nil
	default:
		return "", errors.NewValidationError("category", "unknown sync category "+string(cat))
	}
}

// EnqueueEvent records ev as pending. Settings are keyed by name, so a newer
// value replaces an unsent one and resets its attempt count. ID and
// timestamps are filled in when unset.
func (s *Store) EnqueueEvent(ctx context.Context, ev *types.SyncEvent) error {
	table, err := tableFor(ev.Category)
	if err != nil {
		return err
	}
	if ev.Key == "" {
		return errors.NewValidationError("key", "sync event key is required")
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("null")
	}

	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return errors.WrapError(err, errors.CodeStorageError, "failed to generate event id")
		}
		ev.ID = id.String()
	}

	now := s.now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	ev.Status = types.SyncPending
	ev.Attempts = 0
	ev.LastError = ""

	query := `INSERT INTO ` + table + ` (` + eventColumns + `) VALUES (?, ?, ?, ?, 0, '', ?, ?)`
	if ev.Category == types.CategorySettings {
		query += ` ON CONFLICT(event_key) DO UPDATE SET
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			attempts = 0,
			last_error = '',
			updated_at = excluded.updated_at`
	}

	_, err = s.db.ExecContext(ctx, query, ev.ID, ev.Key, string(ev.Payload), string(ev.Status),
		toNanos(ev.CreatedAt), toNanos(ev.UpdatedAt))
	if err != nil {
		return storageErr("enqueue "+table+" event", err)
	}

	if ev.Category == types.CategorySettings {
		// The stored row keeps its original id when an existing setting was replaced.
		var created int64
		err = s.db.QueryRowContext(ctx, `SELECT id, created_at FROM settings WHERE event_key = ?`, ev.Key).
			Scan(&ev.ID, &created)
		ev.CreatedAt = fromNanos(created)
		return storageErr("read setting id", err)
	}

	return nil
}

// PendingEvents returns up to limit pending events of a category, oldest
// first. A limit of zero or less returns all of them.
func (s *Store) PendingEvents(ctx context.Context, cat types.SyncCategory, limit int) ([]types.SyncEvent, error) {
	table, err := tableFor(cat)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM ` + table + ` WHERE sync_status = ? ORDER BY created_at, id`
	args := []any{string(types.SyncPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list pending "+table, err)
	}
	defer func() { _ = rows.Close() }()

	var events []types.SyncEvent
	for rows.Next() {
		var (
			ev               types.SyncEvent
			payload, status  string
			created, updated int64
		)
		if err := rows.Scan(&ev.ID, &ev.Key, &payload, &status, &ev.Attempts, &ev.LastError, &created, &updated); err != nil {
			return nil, storageErr("scan "+table+" event", err)
		}
		ev.Category = cat
		ev.Payload = json.RawMessage(payload)
		ev.Status = types.SyncStatus(status)
		ev.CreatedAt = fromNanos(created)
		ev.UpdatedAt = fromNanos(updated)
		events = append(events, ev)
	}

	return events, storageErr("list pending "+table, rows.Err())
}

// MarkSynced flips acknowledged events to synced. An event changed after it
// was read (a replaced setting) stays pending so the newer value is sent.
func (s *Store) MarkSynced(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent) (int64, error) {
	return s.updateEvents(ctx, cat, events,
		`SET sync_status = '`+string(types.SyncSynced)+`', last_error = '', updated_at = ?`, nil)
}

// MarkAttempt records a failed delivery. The events stay pending and are
// sent again on the next flush.
func (s *Store) MarkAttempt(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent, cause string) (int64, error) {
	return s.updateEvents(ctx, cat, events,
		`SET sync_status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?`,
		[]any{string(types.SyncPending), cause})
}

func (s *Store) updateEvents(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent, set string, setArgs []any) (int64, error) {
	table, err := tableFor(cat)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	now := toNanos(s.now())
	var total int64

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE `+table+` `+set+` WHERE id = ? AND updated_at = ?`)
		if err != nil {
			return storageErr("prepare "+table+" update", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, ev := range events {
			args := append(append([]any{}, setArgs...), now, ev.ID, toNanos(ev.UpdatedAt))
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return storageErr("update "+table+" event", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})

	return total, err
}

// CountPending returns the pending event count per category.
func (s *Store) CountPending(ctx context.Context) (map[types.SyncCategory]int, error) {
	counts := make(map[types.SyncCategory]int, len(types.SyncCategories))
	for _, cat := range types.SyncCategories {
		table, _ := tableFor(cat)
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE sync_status = ?`,
			string(types.SyncPending)).Scan(&n)
		if err != nil {
			return nil, storageErr("count pending "+table, err)
		}
		counts[cat] = n
	}
	return counts, nil
}

// PruneSynced deletes synced events last touched before cutoff.
func (s *Store) PruneSynced(ctx context.Context, cat types.SyncCategory, cutoff time.Time) (int64, error) {
	table, err := tableFor(cat)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE sync_status = ? AND updated_at < ?`,
		string(types.SyncSynced), toNanos(cutoff))
	if err != nil {
		return 0, storageErr("prune "+table, err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// RecordFlush stores the outcome of a category flush. A nil cause records a
// successful sync at the given time.
func (s *Store) RecordFlush(ctx context.Context, cat types.SyncCategory, at time.Time, cause error) error {
	if _, err := tableFor(cat); err != nil {
		return err
	}

	var err error
	if cause == nil {
		_, err = s.db.ExecContext(ctx, `INSERT INTO sync_state (category, last_sync, last_error) VALUES (?, ?, '')
			ON CONFLICT(category) DO UPDATE SET last_sync = excluded.last_sync, last_error = ''`,
			string(cat), toNanos(at))
	} else {
		_, err = s.db.ExecContext(ctx, `INSERT INTO sync_state (category, last_sync, last_error) VALUES (?, NULL, ?)
			ON CONFLICT(category) DO UPDATE SET last_error = excluded.last_error`,
			string(cat), cause.Error())
	}

	return storageErr("record flush", err)
}

// SyncState is the persisted flush outcome across all categories.
type SyncState struct {
	LastSync *time.Time
	Errors   map[types.SyncCategory]string
}

// LoadSyncState returns the most recent successful sync time and the last
// error of each category that has one.
func (s *Store) LoadSyncState(ctx context.Context) (SyncState, error) {
	state := SyncState{Errors: make(map[types.SyncCategory]string)}

	rows, err := s.db.QueryContext(ctx, `SELECT category, last_sync, last_error FROM sync_state`)
	if err != nil {
		return state, storageErr("load sync state", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cat     string
			last    sql.NullInt64
			lastErr string
		)
		if err := rows.Scan(&cat, &last, &lastErr); err != nil {
			return state, storageErr("scan sync state", err)
		}
		if t := fromNullNanos(last); t != nil && (state.LastSync == nil || t.After(*state.LastSync)) {
			state.LastSync = t
		}
		if strings.TrimSpace(lastErr) != "" {
			state.Errors[types.SyncCategory(cat)] = lastErr
		}
	}

	return state, storageErr("load sync state", rows.Err())
}
