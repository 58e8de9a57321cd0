// Package syncer buffers locally generated events and flushes them to a
// remote endpoint when the device is online.
package syncer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/internal/store"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
)

// Defaults.
const (
	DefaultInterval  = 5 * time.Minute
	DefaultBatchSize = 100
	DefaultRetention = 7 * 24 * time.Hour
)

// ErrOffline is returned by Flush while the scheduler is offline.
var ErrOffline = errors.NewDownloadError(errors.CodeNetworkError, "device is offline")

// Queue is the event persistence the scheduler drains.
type Queue interface {
	EnqueueEvent(ctx context.Context, ev *types.SyncEvent) error
	PendingEvents(ctx context.Context, cat types.SyncCategory, limit int) ([]types.SyncEvent, error)
	MarkSynced(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent) (int64, error)
	MarkAttempt(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent, cause string) (int64, error)
	CountPending(ctx context.Context) (map[types.SyncCategory]int, error)
	PruneSynced(ctx context.Context, cat types.SyncCategory, cutoff time.Time) (int64, error)
	RecordFlush(ctx context.Context, cat types.SyncCategory, at time.Time, cause error) error
	LoadSyncState(ctx context.Context) (store.SyncState, error)
}

// Options configures a Scheduler.
type Options struct {
	// Interval between background flushes; DefaultInterval when zero.
	Interval time.Duration

	// BatchSize caps the events sent per request; DefaultBatchSize when zero.
	BatchSize int

	// Retention is how long synced events are kept. Negative keeps them forever.
	Retention time.Duration

	// Offline starts the scheduler in the offline state.
	Offline bool

	Emitter *events.Emitter
}

// FlushResult reports one flush across all categories.
type FlushResult struct {
	Synced   map[types.SyncCategory]int
	Errors   map[types.SyncCategory]error
	Deferred []types.SyncCategory
}

// Scheduler flushes pending events category by category.
type Scheduler struct {
	queue     Queue
	remote    Remote
	emitter   *events.Emitter
	interval  time.Duration
	batch     int
	retention time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	flushMu sync.Mutex

	mu        sync.Mutex
	online    bool
	syncing   bool
	notBefore map[types.SyncCategory]time.Time

	kick    chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Scheduler.
func New(queue Queue, remote Remote, opts Options, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}

	return &Scheduler{
		queue:     queue,
		remote:    remote,
		emitter:   opts.Emitter,
		interval:  opts.Interval,
		batch:     opts.BatchSize,
		retention: opts.Retention,
		log:       log.WithField("component", "syncer"),
		now:       time.Now,
		online:    !opts.Offline,
		notBefore: make(map[types.SyncCategory]time.Time),
		kick:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) emit(e events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(e)
	}
}

// Enqueue stores ev as pending.
func (s *Scheduler) Enqueue(ctx context.Context, ev *types.SyncEvent) error {
	if err := s.queue.EnqueueEvent(ctx, ev); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"category": ev.Category,
		"key":      ev.Key,
		"event_id": ev.ID,
	}).Debug("sync event queued")

	return nil
}

// ProgressEvent wraps a playback position as a progress sync event.
func ProgressEvent(u types.ProgressUpdate) (*types.SyncEvent, error) {
	if u.LessonID == "" {
		return nil, errors.NewValidationError("lesson", "lesson id is required")
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return nil, errors.WrapError(err, errors.CodeValidationError, "failed to encode progress update")
	}

	return &types.SyncEvent{
		Category:  types.CategoryProgress,
		Key:       u.LessonID,
		Payload:   payload,
		CreatedAt: u.At,
	}, nil
}

// Online reports the current connectivity state.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records a connectivity change. Coming back online triggers a
// background flush when the scheduler is running.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	prev := s.online
	s.online = online
	s.mu.Unlock()

	if prev == online {
		return
	}

	s.log.WithField("online", online).Info("connectivity changed")
	s.emit(events.Event{Type: events.EventConnectivity, Online: online})

	if online {
		s.Trigger()
	}
}

// Trigger asks the background loop to flush soon.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush pushes every pending event. Categories are independent: a failing
// category is reported in the result and the returned error while the others
// still sync.
func (s *Scheduler) Flush(ctx context.Context) (FlushResult, error) {
	res := FlushResult{
		Synced: make(map[types.SyncCategory]int),
		Errors: make(map[types.SyncCategory]error),
	}

	if !s.Online() {
		return res, ErrOffline
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.setSyncing(true)
	defer s.setSyncing(false)

	s.emit(events.Event{Type: events.EventSyncStarted})

	for _, cat := range types.SyncCategories {
		log := s.log.WithField("category", cat)

		if until, ok := s.deferredUntil(cat); ok {
			log.WithField("until", until).Debug("category deferred by remote")
			res.Deferred = append(res.Deferred, cat)
			continue
		}

		n, err := s.flushCategory(ctx, cat)
		res.Synced[cat] = n

		if rerr := s.queue.RecordFlush(context.WithoutCancel(ctx), cat, s.now(), err); rerr != nil {
			log.WithError(rerr).Warn("failed to record flush outcome")
		}

		if err != nil {
			res.Errors[cat] = err
			log.WithError(err).WithField("synced", n).Warn("category flush failed")
			s.emit(events.Event{Type: events.EventSyncFailed, Category: cat, Synced: n, Error: err.Error()})
			continue
		}

		if n > 0 {
			log.WithField("synced", n).Info("category flushed")
		}
		s.emit(events.Event{Type: events.EventSyncCompleted, Category: cat, Synced: n})
		s.prune(ctx, cat)
	}

	if len(res.Errors) == 0 {
		return res, nil
	}

	errs := make([]error, 0, len(res.Errors))
	for _, cat := range types.SyncCategories {
		if err, ok := res.Errors[cat]; ok {
			errs = append(errs, err)
		}
	}
	return res, errors.WrapError(stderrors.Join(errs...), errors.CodeSyncFailed, "sync flush incomplete")
}

// flushCategory sends pending events of cat batch by batch. A failed push,
// whether the remote rejected the batch or could not be reached, stops the
// category with its events still pending for the next flush.
func (s *Scheduler) flushCategory(ctx context.Context, cat types.SyncCategory) (int, error) {
	var synced int

	for {
		batch, err := s.queue.PendingEvents(ctx, cat, s.batch)
		if err != nil {
			return synced, err
		}
		if len(batch) == 0 {
			return synced, nil
		}

		if err := s.remote.Push(ctx, cat, batch); err != nil {
			if ctx.Err() != nil {
				return synced, ctx.Err()
			}

			if _, merr := s.queue.MarkAttempt(ctx, cat, batch, err.Error()); merr != nil {
				return synced, merr
			}

			var ra *RetryAfterError
			if stderrors.As(err, &ra) {
				s.deferUntil(cat, ra.Until)
			}
			return synced, err
		}

		n, err := s.queue.MarkSynced(ctx, cat, batch)
		if err != nil {
			return synced, err
		}
		synced += int(n)

		if len(batch) < s.batch {
			return synced, nil
		}
	}
}

func (s *Scheduler) prune(ctx context.Context, cat types.SyncCategory) {
	if s.retention < 0 {
		return
	}
	n, err := s.queue.PruneSynced(ctx, cat, s.now().Add(-s.retention))
	if err != nil {
		s.log.WithError(err).WithField("category", cat).Warn("failed to prune synced events")
		return
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{"category": cat, "pruned": n}).Debug("pruned synced events")
	}
}

func (s *Scheduler) setSyncing(v bool) {
	s.mu.Lock()
	s.syncing = v
	s.mu.Unlock()
}

func (s *Scheduler) deferUntil(cat types.SyncCategory, until time.Time) {
	s.mu.Lock()
	s.notBefore[cat] = until
	s.mu.Unlock()
}

func (s *Scheduler) deferredUntil(cat types.SyncCategory) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.notBefore[cat]
	if !ok {
		return time.Time{}, false
	}
	if !s.now().Before(until) {
		delete(s.notBefore, cat)
		return time.Time{}, false
	}
	return until, true
}

// Status aggregates pending counts and the last flush outcome.
func (s *Scheduler) Status(ctx context.Context) (types.SyncStatusInfo, error) {
	counts, err := s.queue.CountPending(ctx)
	if err != nil {
		return types.SyncStatusInfo{}, err
	}
	state, err := s.queue.LoadSyncState(ctx)
	if err != nil {
		return types.SyncStatusInfo{}, err
	}

	info := types.SyncStatusInfo{ByKind: counts, LastSync: state.LastSync}
	for _, n := range counts {
		info.Pending += n
	}

	if len(state.Errors) > 0 {
		cats := make([]string, 0, len(state.Errors))
		for cat := range state.Errors {
			cats = append(cats, string(cat))
		}
		sort.Strings(cats)

		msgs := make([]string, len(cats))
		for i, cat := range cats {
			msgs[i] = cat + ": " + state.Errors[types.SyncCategory(cat)]
		}
		info.Error = strings.Join(msgs, "; ")
	}

	s.mu.Lock()
	online, syncing := s.online, s.syncing
	s.mu.Unlock()

	switch {
	case !online:
		info.Status = types.SyncOffline
	case syncing:
		info.Status = types.SyncSyncing
	case info.Error != "":
		info.Status = types.SyncError
	default:
		info.Status = types.SyncIdle
	}

	return info, nil
}

// Start runs background flushes on the interval and on Trigger until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}

		if !s.Online() {
			continue
		}
		if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Debug("background flush incomplete")
		}
	}
}

// Stop ends the background loop and waits for an in-flight flush.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
