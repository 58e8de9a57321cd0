// Package types defines the core types shared by the offline engine packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Quality is the requested encoding tier of a lesson asset.
type Quality string

const (
	// QualityAudio is the low bitrate, audio-only tier.
	QualityAudio Quality = "audio"

	// QualitySD is the standard definition tier (480p).
	QualitySD Quality = "sd"

	// QualityHD is the high definition tier (720p).
	QualityHD Quality = "hd"
)

// ParseQuality converts a user supplied string into a Quality.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityAudio, QualitySD, QualityHD:
		return q, nil
	default:
		return "", fmt.Errorf("unknown quality %q (want audio, sd or hd)", s)
	}
}

// ContentType returns the fixed content type used for assets of this tier.
func (q Quality) ContentType() string {
	if q == QualityAudio {
		return "audio/mp4"
	}

	return "video/mp4"
}

// TaskStatus is the lifecycle state of a DownloadTask.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DownloadTask tracks one requested lesson download.
type DownloadTask struct {
	ID              string        `json:"id"`
	LessonID        string        `json:"lesson_id"`
	Quality         Quality       `json:"quality"`
	Status          TaskStatus    `json:"status"`
	Priority        int           `json:"priority"`
	Progress        float64       `json:"progress"`
	ETA             time.Duration `json:"eta"`
	TotalSize       int64         `json:"total_size"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	URL             string        `json:"url"`
	Title           string        `json:"title"`
	ModuleTitle     string        `json:"module_title"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// ResourceKey identifies the stored chunk state shared by every task for the
// same lesson and quality.
func (t *DownloadTask) ResourceKey() string {
	return ResourceKey(t.LessonID, t.Quality)
}

// Clone returns a copy that can be handed to observers.
func (t *DownloadTask) Clone() *DownloadTask {
	if t == nil {
		return nil
	}

	c := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}

	return &c
}

// ResourceKey builds the chunk-state key for a lesson and quality.
func ResourceKey(lessonID string, q Quality) string {
	return lessonID + ":" + string(q)
}

// Blob is an in-memory media payload.
type Blob struct {
	Data        []byte
	ContentType string
}

// Size returns the payload length in bytes.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}

	return int64(len(b.Data))
}

// LessonSource is what a resolver returns for a lesson before it is fetched.
type LessonSource struct {
	LessonID    string          `json:"lesson_id"`
	ModuleID    string          `json:"module_id"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	ModuleTitle string          `json:"module_title"`
	Duration    time.Duration   `json:"duration"`
	Metadata    LessonMetadata  `json:"metadata"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// Chapter is a named offset inside a lesson.
type Chapter struct {
	Title string        `json:"title"`
	Start time.Duration `json:"start"`
}

// LessonMetadata is the metadata bag persisted next to a lesson video.
type LessonMetadata struct {
	Chapters   []Chapter `json:"chapters,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	// Thumbnails holds encoded images keyed by a caller chosen name.
	Thumbnails map[string][]byte `json:"thumbnails,omitempty"`
}

// LessonData is a persisted, playable lesson.
type LessonData struct {
	LessonID     string         `json:"lesson_id"`
	ModuleID     string         `json:"module_id"`
	Title        string         `json:"title"`
	ModuleTitle  string         `json:"module_title"`
	Duration     time.Duration  `json:"duration"`
	Metadata     LessonMetadata `json:"metadata"`
	Quality      Quality        `json:"quality"`
	Size         int64          `json:"size"`
	ContentType  string         `json:"content_type"`
	DownloadedAt time.Time      `json:"downloaded_at"`
}

// VideoRecord is the index row for a stored video payload.
type VideoRecord struct {
	LessonID     string
	BlobKey      string
	Quality      Quality
	Size         int64
	ContentType  string
	DownloadedAt time.Time
}

// StorageStats is a computed snapshot of local storage.
type StorageStats struct {
	Used        int64   `json:"used"`
	Available   int64   `json:"available"`
	Quota       int64   `json:"quota"`
	PercentUsed float64 `json:"percent_used"`
	Provider    string  `json:"provider"`
}

// SyncCategory groups locally generated events that flush together.
type SyncCategory string

const (
	CategoryProgress     SyncCategory = "progress"
	CategoryAchievements SyncCategory = "achievements"
	CategorySettings     SyncCategory = "settings"
)

// SyncCategories lists every category in flush order.
var SyncCategories = []SyncCategory{CategoryProgress, CategoryAchievements, CategorySettings}

// SyncStatus is the per-event acknowledgement state.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// SyncEvent is a locally generated fact waiting to be acknowledged remotely.
// Key is the lesson ID for progress, the achievement ID for achievements and
// the setting name for settings.
type SyncEvent struct {
	ID        string          `json:"id"`
	Category  SyncCategory    `json:"category"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Status    SyncStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProgressUpdate is a playback position reported by the player.
type ProgressUpdate struct {
	LessonID  string        `json:"lesson_id"`
	Position  time.Duration `json:"position"`
	Completed bool          `json:"completed"`
	At        time.Time     `json:"at"`
}

// AggregateSyncStatus summarizes the scheduler state.
type AggregateSyncStatus string

const (
	SyncIdle    AggregateSyncStatus = "idle"
	SyncSyncing AggregateSyncStatus = "syncing"
	SyncError   AggregateSyncStatus = "error"
	SyncOffline AggregateSyncStatus = "offline"
)

// SyncStatusInfo is a computed snapshot of the sync scheduler.
type SyncStatusInfo struct {
	Status   AggregateSyncStatus  `json:"status"`
	Pending  int                  `json:"pending"`
	ByKind   map[SyncCategory]int `json:"by_kind,omitempty"`
	LastSync *time.Time           `json:"last_sync,omitempty"`
	Error    string               `json:"error,omitempty"`
}
