package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

const taskColumns = `id, lesson_id, quality, status, priority, progress, eta_ms, total_size,
	downloaded_bytes, url, title, module_title, created_at, completed_at, error`

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Statuses []types.TaskStatus
	LessonID string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.DownloadTask, error) {
	var (
		t         types.DownloadTask
		quality   string
		status    string
		etaMillis int64
		created   int64
		completed sql.NullInt64
	)

	err := row.Scan(&t.ID, &t.LessonID, &quality, &status, &t.Priority, &t.Progress, &etaMillis,
		&t.TotalSize, &t.DownloadedBytes, &t.URL, &t.Title, &t.ModuleTitle, &created, &completed, &t.Error)
	if err != nil {
		return nil, err
	}

	t.Quality = types.Quality(quality)
	t.Status = types.TaskStatus(status)
	t.ETA = time.Duration(etaMillis) * time.Millisecond
	t.CreatedAt = fromNanos(created)
	t.CompletedAt = fromNullNanos(completed)

	return &t, nil
}

// PutTask inserts or fully replaces a task row.
func (s *Store) PutTask(ctx context.Context, t *types.DownloadTask) error {
	if t == nil || t.ID == "" {
		return errors.NewValidationError("task", "task id is required")
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO downloads (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lesson_id = excluded.lesson_id,
			quality = excluded.quality,
			status = excluded.status,
			priority = excluded.priority,
			progress = excluded.progress,
			eta_ms = excluded.eta_ms,
			total_size = excluded.total_size,
			downloaded_bytes = excluded.downloaded_bytes,
			url = excluded.url,
			title = excluded.title,
			module_title = excluded.module_title,
			created_at = excluded.created_at,
			completed_at = excluded.completed_at,
			error = excluded.error`,
		t.ID, t.LessonID, string(t.Quality), string(t.Status), t.Priority, t.Progress,
		t.ETA.Milliseconds(), t.TotalSize, t.DownloadedBytes, t.URL, t.Title, t.ModuleTitle,
		toNanos(t.CreatedAt), nullNanos(t.CompletedAt), t.Error)

	return storageErr("put task", err)
}

// GetTask returns the task with id, or an error matching errors.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*types.DownloadTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM downloads WHERE id = ?`, id)

	t, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		e := errors.NewDownloadError(errors.CodeTaskNotFound, "download task not found")
		e.TaskID = id
		return nil, e
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}

	return t, nil
}

// FindTask returns the newest task for a lesson and quality, or nil.
func (s *Store) FindTask(ctx context.Context, lessonID string, q types.Quality) (*types.DownloadTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM downloads
		WHERE lesson_id = ? AND quality = ?
		ORDER BY created_at DESC LIMIT 1`, lessonID, string(q))

	t, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find task", err)
	}

	return t, nil
}

// ListTasks returns matching tasks, highest priority first, then oldest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*types.DownloadTask, error) {
	var (
		where []string
		args  []any
	)

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.LessonID != "" {
		where = append(where, "lesson_id = ?")
		args = append(args, f.LessonID)
	}

	query := `SELECT ` + taskColumns + ` FROM downloads`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, storageErr("list tasks", rows.Err())
}

// UpdateProgress writes only the progress columns of a task.
func (s *Store) UpdateProgress(ctx context.Context, id string, downloaded, total int64, progress float64, eta time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE downloads
		SET downloaded_bytes = ?, total_size = ?, progress = ?, eta_ms = ?
		WHERE id = ?`, downloaded, total, progress, eta.Milliseconds(), id)
	if err != nil {
		return storageErr("update progress", err)
	}

	return requireRow(res, id)
}

// DeleteTask removes a task row. Deleting an unknown task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	return storageErr("delete task", err)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		e := errors.NewDownloadError(errors.CodeTaskNotFound, "download task not found")
		e.TaskID = id
		return e
	}
	return nil
}
