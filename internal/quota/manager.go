package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
)

// Defaults.
const (
	DefaultRetain    = 20
	DefaultHighWater = 0.9
)

// Catalog is the view of the object store the manager needs.
type Catalog interface {
	ListVideos(ctx context.Context) ([]types.VideoRecord, error)
	DeleteVideos(ctx context.Context, lessonIDs ...string) (int64, error)
	VideoBytes(ctx context.Context) (int64, error)
	ChunkBytes(ctx context.Context) (int64, error)
}

// Options configures a Manager.
type Options struct {
	// Retain is how many of the most recently downloaded lessons eviction keeps.
	Retain int

	// HighWater is the usage ratio (0-1) at which MaybeEvict evicts.
	HighWater float64

	Provider Provider
	Emitter  *events.Emitter
}

// EvictionResult describes one eviction pass.
type EvictionResult struct {
	Evicted   []string `json:"evicted"`
	Freed     int64    `json:"freed"`
	Remaining int      `json:"remaining"`
}

// Manager computes usage and enforces the retention policy.
type Manager struct {
	catalog   Catalog
	provider  Provider
	emitter   *events.Emitter
	retain    int
	highWater float64
	log       logrus.FieldLogger

	mu sync.Mutex
}

// New creates a Manager. A nil provider means a FixedProvider with the
// default quota.
func New(catalog Catalog, opts Options, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.HighWater <= 0 || opts.HighWater > 1 {
		opts.HighWater = DefaultHighWater
	}
	if opts.Provider == nil {
		opts.Provider = NewFixedProvider(DefaultFixedQuota)
	}

	return &Manager{
		catalog:   catalog,
		provider:  opts.Provider,
		emitter:   opts.Emitter,
		retain:    opts.Retain,
		highWater: opts.HighWater,
		log:       log.WithField("component", "quota"),
	}
}

// Provider returns the capacity provider in use.
func (m *Manager) Provider() Provider {
	return m.provider
}

// Usage returns a fresh snapshot. Used counts stored videos and the chunk
// state of unfinished downloads.
func (m *Manager) Usage(ctx context.Context) (types.StorageStats, error) {
	videos, err := m.catalog.VideoBytes(ctx)
	if err != nil {
		return types.StorageStats{}, err
	}
	chunks, err := m.catalog.ChunkBytes(ctx)
	if err != nil {
		return types.StorageStats{}, err
	}
	used := videos + chunks

	quota, avail, err := m.provider.Estimate(ctx, used)
	if err != nil {
		return types.StorageStats{}, errors.WrapError(err, errors.CodeStorageError, "failed to estimate storage quota")
	}

	stats := types.StorageStats{
		Used:      used,
		Available: avail,
		Quota:     quota,
		Provider:  m.provider.Name(),
	}
	if quota > 0 {
		stats.PercentUsed = float64(used) / float64(quota) * 100.0
	}

	return stats, nil
}

// Evict deletes every lesson beyond the Retain most recently downloaded.
// Each pass removes its lessons' video and lesson rows in one transaction.
func (m *Manager) Evict(ctx context.Context) (EvictionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evictLocked(ctx)
}

func (m *Manager) evictLocked(ctx context.Context) (EvictionResult, error) {
	videos, err := m.catalog.ListVideos(ctx)
	if err != nil {
		return EvictionResult{}, err
	}

	if len(videos) <= m.retain {
		return EvictionResult{Remaining: len(videos)}, nil
	}

	victims := videos[m.retain:]
	ids := make([]string, len(victims))
	for i, v := range victims {
		ids[i] = v.LessonID
	}

	freed, err := m.catalog.DeleteVideos(ctx, ids...)
	if err != nil {
		return EvictionResult{}, err
	}

	res := EvictionResult{Evicted: ids, Freed: freed, Remaining: m.retain}

	m.log.WithFields(logrus.Fields{
		"evicted": len(ids),
		"freed":   freed,
		"retain":  m.retain,
	}).Info("evicted old lessons")

	if m.emitter != nil {
		m.emitter.Emit(events.Event{Type: events.EventStorageEvicted, Evicted: ids})
	}

	return res, nil
}

// MaybeEvict evicts when usage has reached the high-water mark. The boolean
// reports whether eviction ran.
func (m *Manager) MaybeEvict(ctx context.Context) (EvictionResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, err := m.Usage(ctx)
	if err != nil {
		return EvictionResult{}, false, err
	}
	if stats.PercentUsed < m.highWater*100 {
		return EvictionResult{}, false, nil
	}

	res, err := m.evictLocked(ctx)
	return res, true, err
}

// EnsureSpace makes room for need more bytes, evicting old lessons if the
// quota is short. It fails with CodeInsufficientSpace when eviction under the
// retention policy still leaves too little room.
func (m *Manager) EnsureSpace(ctx context.Context, need int64) error {
	if need <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, err := m.Usage(ctx)
	if err != nil {
		return err
	}
	if stats.Available >= need {
		return nil
	}

	if _, err := m.evictLocked(ctx); err != nil {
		return err
	}

	stats, err = m.Usage(ctx)
	if err != nil {
		return err
	}
	if stats.Available >= need {
		return nil
	}

	return errors.NewDownloadErrorWithDetails(errors.CodeInsufficientSpace,
		"not enough storage for the download",
		fmt.Sprintf("need %d bytes, %d available of %d (%s)", need, stats.Available, stats.Quota, stats.Provider))
}
