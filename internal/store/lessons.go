package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/storage"
	"github.com/forest6511/offline/pkg/types"
)

// VideoPrefix is the blob key prefix for lesson payloads.
const VideoPrefix = "videos/"

const lessonColumns = `lesson_id, module_id, title, module_title, duration_ms, quality, size,
	content_type, metadata, downloaded_at`

// blobKey builds a fresh payload key. A new key per write means a replaced
// video never overwrites the payload still referenced by the committed row.
func blobKey(lessonID, contentType string) string {
	ext := ".mp4"
	if strings.HasPrefix(contentType, "audio/") {
		ext = ".m4a"
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return VideoPrefix + safeSegment(lessonID) + "/" + id.String() + ext
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// SaveLesson stores the payload, then writes the video and lesson rows in
// one transaction. Size, content type and download time are taken from the
// blob when the lesson leaves them unset. A payload replaced by this write is
// removed after commit.
func (s *Store) SaveLesson(ctx context.Context, lesson *types.LessonData, blob *types.Blob) error {
	if lesson == nil || lesson.LessonID == "" {
		return errors.NewValidationError("lesson", "lesson id is required")
	}
	if blob == nil {
		return errors.NewValidationError("blob", "video payload is required")
	}

	if lesson.Size == 0 {
		lesson.Size = blob.Size()
	}
	if lesson.ContentType == "" {
		lesson.ContentType = blob.ContentType
	}
	if lesson.ContentType == "" {
		lesson.ContentType = lesson.Quality.ContentType()
	}
	if lesson.DownloadedAt.IsZero() {
		lesson.DownloadedAt = s.now()
	}

	meta, err := json.Marshal(lesson.Metadata)
	if err != nil {
		return errors.WrapError(err, errors.CodeStorageError, "failed to encode lesson metadata")
	}

	s.blobMu.RLock()
	defer s.blobMu.RUnlock()

	key := blobKey(lesson.LessonID, lesson.ContentType)
	if err := storage.SaveBytes(ctx, s.blobs, key, blob.Data); err != nil {
		return storageErr("save video payload", err)
	}

	var previous string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT blob_key FROM videos WHERE lesson_id = ?`, lesson.LessonID).Scan(&previous)
		if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			return storageErr("read video row", err)
		}

		downloaded := toNanos(lesson.DownloadedAt)

		_, err = tx.ExecContext(ctx, `INSERT INTO videos (lesson_id, blob_key, quality, size, content_type, downloaded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(lesson_id) DO UPDATE SET
				blob_key = excluded.blob_key,
				quality = excluded.quality,
				size = excluded.size,
				content_type = excluded.content_type,
				downloaded_at = excluded.downloaded_at`,
			lesson.LessonID, key, string(lesson.Quality), lesson.Size, lesson.ContentType, downloaded)
		if err != nil {
			return storageErr("write video row", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO lessons (`+lessonColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(lesson_id) DO UPDATE SET
				module_id = excluded.module_id,
				title = excluded.title,
				module_title = excluded.module_title,
				duration_ms = excluded.duration_ms,
				quality = excluded.quality,
				size = excluded.size,
				content_type = excluded.content_type,
				metadata = excluded.metadata,
				downloaded_at = excluded.downloaded_at`,
			lesson.LessonID, lesson.ModuleID, lesson.Title, lesson.ModuleTitle,
			lesson.Duration.Milliseconds(), string(lesson.Quality), lesson.Size,
			lesson.ContentType, string(meta), downloaded)
		return storageErr("write lesson row", err)
	})
	if err != nil {
		s.deleteBlob(ctx, key)
		return err
	}

	if previous != "" && previous != key {
		s.deleteBlob(ctx, previous)
	}

	s.log.WithFields(logrus.Fields{
		"lesson_id": lesson.LessonID,
		"quality":   lesson.Quality,
		"size":      lesson.Size,
	}).Debug("lesson stored")

	return nil
}

func scanLesson(row rowScanner) (*types.LessonData, error) {
	var (
		l          types.LessonData
		durationMs int64
		quality    string
		meta       string
		downloaded int64
	)

	err := row.Scan(&l.LessonID, &l.ModuleID, &l.Title, &l.ModuleTitle, &durationMs, &quality,
		&l.Size, &l.ContentType, &meta, &downloaded)
	if err != nil {
		return nil, err
	}

	l.Duration = time.Duration(durationMs) * time.Millisecond
	l.Quality = types.Quality(quality)
	l.DownloadedAt = fromNanos(downloaded)

	if err := json.Unmarshal([]byte(meta), &l.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of lesson %s: %w", l.LessonID, err)
	}

	return &l, nil
}

func lessonNotFound(id string) error {
	return errors.NewDownloadErrorWithDetails(errors.CodeNotFound, "lesson is not stored offline", id)
}

// GetLesson returns the stored lesson row without its payload.
func (s *Store) GetLesson(ctx context.Context, lessonID string) (*types.LessonData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE lesson_id = ?`, lessonID)

	l, err := scanLesson(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, lessonNotFound(lessonID)
	}
	if err != nil {
		return nil, storageErr("get lesson", err)
	}

	return l, nil
}

// ListLessons returns stored lessons of a module, or all when moduleID is empty.
func (s *Store) ListLessons(ctx context.Context, moduleID string) ([]*types.LessonData, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons`
	var args []any
	if moduleID != "" {
		query += ` WHERE module_id = ?`
		args = append(args, moduleID)
	}
	query += ` ORDER BY downloaded_at DESC, lesson_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list lessons", err)
	}
	defer func() { _ = rows.Close() }()

	var lessons []*types.LessonData
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, storageErr("scan lesson", err)
		}
		lessons = append(lessons, l)
	}

	return lessons, storageErr("list lessons", rows.Err())
}

// GetVideo returns the index row for a lesson's payload.
func (s *Store) GetVideo(ctx context.Context, lessonID string) (*types.VideoRecord, error) {
	var (
		v          types.VideoRecord
		quality    string
		downloaded int64
	)

	err := s.db.QueryRowContext(ctx, `SELECT lesson_id, blob_key, quality, size, content_type, downloaded_at
		FROM videos WHERE lesson_id = ?`, lessonID).
		Scan(&v.LessonID, &v.BlobKey, &quality, &v.Size, &v.ContentType, &downloaded)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, lessonNotFound(lessonID)
	}
	if err != nil {
		return nil, storageErr("get video", err)
	}

	v.Quality = types.Quality(quality)
	v.DownloadedAt = fromNanos(downloaded)

	return &v, nil
}

// LoadVideo reads a lesson's payload from the blob backend.
func (s *Store) LoadVideo(ctx context.Context, lessonID string) (*types.Blob, error) {
	v, err := s.GetVideo(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	data, err := storage.LoadBytes(ctx, s.blobs, v.BlobKey)
	if err != nil {
		if stderrors.Is(err, storage.ErrKeyNotFound) {
			return nil, errors.NewDownloadErrorWithDetails(errors.CodeCorruptedData,
				"video payload is missing", v.BlobKey)
		}
		return nil, storageErr("load video payload", err)
	}

	return &types.Blob{Data: data, ContentType: v.ContentType}, nil
}

// ListVideos returns every video row, most recently downloaded first.
func (s *Store) ListVideos(ctx context.Context) ([]types.VideoRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lesson_id, blob_key, quality, size, content_type, downloaded_at
		FROM videos ORDER BY downloaded_at DESC, lesson_id`)
	if err != nil {
		return nil, storageErr("list videos", err)
	}
	defer func() { _ = rows.Close() }()

	var videos []types.VideoRecord
	for rows.Next() {
		var (
			v          types.VideoRecord
			quality    string
			downloaded int64
		)
		if err := rows.Scan(&v.LessonID, &v.BlobKey, &quality, &v.Size, &v.ContentType, &downloaded); err != nil {
			return nil, storageErr("scan video", err)
		}
		v.Quality = types.Quality(quality)
		v.DownloadedAt = fromNanos(downloaded)
		videos = append(videos, v)
	}

	return videos, storageErr("list videos", rows.Err())
}

// VideoBytes is the total recorded payload size.
func (s *Store) VideoBytes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM videos`).Scan(&n)
	return n, storageErr("sum video bytes", err)
}

// DeleteVideos removes the video and lesson rows of every listed lesson in a
// single transaction, then deletes their payloads. It returns the bytes
// released. Unknown lesson IDs are skipped.
func (s *Store) DeleteVideos(ctx context.Context, lessonIDs ...string) (int64, error) {
	if len(lessonIDs) == 0 {
		return 0, nil
	}

	var (
		keys  []string
		freed int64
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range lessonIDs {
			var (
				key  string
				size int64
			)
			err := tx.QueryRowContext(ctx, `SELECT blob_key, size FROM videos WHERE lesson_id = ?`, id).Scan(&key, &size)
			if stderrors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return storageErr("read video row", err)
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE lesson_id = ?`, id); err != nil {
				return storageErr("delete video row", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM lessons WHERE lesson_id = ?`, id); err != nil {
				return storageErr("delete lesson row", err)
			}

			keys = append(keys, key)
			freed += size
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range keys {
		s.deleteBlob(ctx, key)
	}

	return freed, nil
}

// ClearVideos deletes every stored lesson and returns how many were removed
// and the bytes released.
func (s *Store) ClearVideos(ctx context.Context) (int, int64, error) {
	videos, err := s.ListVideos(ctx)
	if err != nil {
		return 0, 0, err
	}

	ids := make([]string, len(videos))
	for i, v := range videos {
		ids[i] = v.LessonID
	}

	freed, err := s.DeleteVideos(ctx, ids...)
	if err != nil {
		return 0, 0, err
	}

	// Lesson rows without a video are unreachable; drop them too.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lessons`); err != nil {
		return len(ids), freed, storageErr("clear lessons", err)
	}

	return len(ids), freed, nil
}

// SweepOrphans deletes payloads under VideoPrefix that no video row
// references. These appear when a payload delete fails after its rows were
// already committed away, or a process dies between the two steps.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	keys, err := s.blobs.List(ctx, VideoPrefix)
	if err != nil {
		return 0, storageErr("list video payloads", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	videos, err := s.ListVideos(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{}, len(videos))
	for _, v := range videos {
		live[v.BlobKey] = struct{}{}
	}

	removed := 0
	for _, key := range keys {
		if _, ok := live[key]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil && !stderrors.Is(err, storage.ErrKeyNotFound) {
			return removed, storageErr("delete orphan payload", err)
		}
		removed++
	}

	if removed > 0 {
		s.log.WithField("removed", removed).Info("swept orphaned video payloads")
	}

	return removed, nil
}

func (s *Store) deleteBlob(ctx context.Context, key string) {
	err := s.blobs.Delete(ctx, key)
	if err == nil || stderrors.Is(err, storage.ErrKeyNotFound) {
		return
	}
	s.log.WithError(err).WithField("blob_key", key).Warn("failed to delete video payload; it will be swept later")
}
