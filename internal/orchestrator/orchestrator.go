// Package orchestrator owns the lifecycle of lesson downloads: it creates
// tasks, drives them through the status machine, and hands finished payloads
// to compression and the object store.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/internal/chunked"
	"github.com/forest6511/offline/internal/compress"
	"github.com/forest6511/offline/internal/media"
	"github.com/forest6511/offline/internal/quota"
	"github.com/forest6511/offline/internal/store"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
)

// DefaultMaxConcurrent is how many tasks download at once.
const DefaultMaxConcurrent = 3

// Resolver turns catalog identifiers into fetchable sources.
type Resolver interface {
	ResolveLesson(ctx context.Context, lessonID string, quality types.Quality) (*types.LessonSource, error)
	ModuleLessons(ctx context.Context, moduleID string) ([]string, error)
}

// Downloader fetches a whole resource, resuming from stored chunks.
type Downloader interface {
	Download(ctx context.Context, url, key string, quality types.Quality, onProgress chunked.ProgressFunc) (*types.Blob, error)
}

// Compressor shrinks a payload, returning the input when it cannot.
type Compressor interface {
	Compress(ctx context.Context, blob *types.Blob, opts compress.Options) *types.Blob
}

// Space enforces the storage quota.
type Space interface {
	EnsureSpace(ctx context.Context, need int64) error
	MaybeEvict(ctx context.Context) (quota.EvictionResult, bool, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	PutTask(ctx context.Context, t *types.DownloadTask) error
	GetTask(ctx context.Context, id string) (*types.DownloadTask, error)
	FindTask(ctx context.Context, lessonID string, q types.Quality) (*types.DownloadTask, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*types.DownloadTask, error)
	DeleteTask(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, downloaded, total int64, progress float64, eta time.Duration) error
	DeleteChunks(ctx context.Context, key string) error
	ResourceChunkBytes(ctx context.Context, key string) (int64, error)
	GetVideo(ctx context.Context, lessonID string) (*types.VideoRecord, error)
	SaveLesson(ctx context.Context, lesson *types.LessonData, blob *types.Blob) error
}

// Options configures an Orchestrator. Nil collaborators are skipped.
type Options struct {
	MaxConcurrent int

	// AutoResume restarts paused tasks during Recover.
	AutoResume bool

	Compressor Compressor
	Space      Space
	Thumbnails *media.Normalizer
	Emitter    *events.Emitter
}

type stopIntent int

const (
	stopNone stopIntent = iota
	stopPause
	stopCancel
	stopShutdown
)

// run is one execution of a task. mu serializes every write to task.
type run struct {
	mu        sync.Mutex
	task      *types.DownloadTask
	source    *types.LessonSource
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	intent    stopIntent
	startedAt time.Time
	baseBytes int64
}

// Orchestrator runs download tasks.
type Orchestrator struct {
	store      Store
	resolver   Resolver
	downloader Downloader
	compressor Compressor
	space      Space
	thumbs     *media.Normalizer
	emitter    *events.Emitter
	autoResume bool
	slots      chan struct{}
	log        logrus.FieldLogger
	now        func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New creates an Orchestrator.
func New(st Store, resolver Resolver, downloader Downloader, opts Options, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:      st,
		resolver:   resolver,
		downloader: downloader,
		compressor: opts.Compressor,
		space:      opts.Space,
		thumbs:     opts.Thumbnails,
		emitter:    opts.Emitter,
		autoResume: opts.AutoResume,
		slots:      make(chan struct{}, opts.MaxConcurrent),
		log:        log.WithField("component", "orchestrator"),
		now:        time.Now,
		baseCtx:    ctx,
		stopAll:    cancel,
		runs:       make(map[string]*run),
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

// logError logs err for operation with the given context fields.
func (o *Orchestrator) logError(operation string, err error, fields logrus.Fields) {
	o.log.WithFields(fields).WithError(err).WithField("operation", operation).Error("operation failed")
}

func taskFields(t *types.DownloadTask) logrus.Fields {
	return logrus.Fields{
		"task_id":   t.ID,
		"lesson_id": t.LessonID,
		"quality":   t.Quality,
	}
}

func (o *Orchestrator) lockKey(key string) func() {
	o.keyMu.Lock()
	l, ok := o.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		o.keyLocks[key] = l
	}
	o.keyMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) emit(e events.Event) {
	if o.emitter != nil {
		o.emitter.Emit(e)
	}
}

func (o *Orchestrator) active(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

// DownloadLesson starts a download of lessonID at quality q and returns a
// snapshot of its task. A pending or downloading task for the same lesson and
// quality is returned as is, as is a completed one whose video is still stored
// in that quality. A paused or failed one is replaced by a new task that
// resumes from the stored chunks.
func (o *Orchestrator) DownloadLesson(ctx context.Context, lessonID string, q types.Quality) (*types.DownloadTask, error) {
	if lessonID == "" {
		return nil, errors.NewValidationError("lesson", "lesson id is required")
	}
	if _, err := types.ParseQuality(string(q)); err != nil {
		return nil, errors.NewValidationError("quality", err.Error())
	}

	unlock := o.lockKey(types.ResourceKey(lessonID, q))
	defer unlock()

	existing, err := o.store.FindTask(ctx, lessonID, q)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		reuse, err := o.reusable(ctx, existing)
		if err != nil {
			return nil, err
		}
		if reuse {
			return o.snapshot(existing), nil
		}
	}

	source, err := o.resolver.ResolveLesson(ctx, lessonID, q)
	if err != nil {
		return nil, fmt.Errorf("resolve lesson %s: %w", lessonID, err)
	}

	task := o.newTask(lessonID, q, source)
	if existing != nil {
		// The replacement inherits the byte counts of the chunks it will reuse.
		// A completed task has none left.
		if existing.Status != types.StatusCompleted {
			task.DownloadedBytes = existing.DownloadedBytes
			task.TotalSize = existing.TotalSize
			if task.TotalSize > 0 {
				task.Progress = float64(task.DownloadedBytes) / float64(task.TotalSize) * 100
			}
		}

		if err := o.store.DeleteTask(ctx, existing.ID); err != nil {
			return nil, err
		}
		o.emit(events.Event{Type: events.EventTaskRemoved, Task: existing.Clone()})
	}

	if err := o.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.EventTaskCreated, Task: task.Clone()})
	o.log.WithFields(taskFields(task)).Info("download task created")

	snap := task.Clone()
	if err := o.start(task, source); err != nil {
		return nil, err
	}

	return snap, nil
}

// reusable reports whether existing satisfies a new request for its lesson.
func (o *Orchestrator) reusable(ctx context.Context, existing *types.DownloadTask) (bool, error) {
	switch existing.Status {
	case types.StatusPending, types.StatusDownloading:
		// A task with no run behind it was orphaned by a crash.
		return o.active(existing.ID) != nil, nil
	case types.StatusCompleted:
		// One video is kept per lesson; a later download in another quality
		// replaces it and leaves this task without an asset.
		v, err := o.store.GetVideo(ctx, existing.LessonID)
		if err == nil {
			return v.Quality == existing.Quality, nil
		}
		if errors.GetErrorCode(err) == errors.CodeNotFound {
			return false, nil
		}
		return false, err
	default:
		return false, nil
	}
}

func (o *Orchestrator) snapshot(t *types.DownloadTask) *types.DownloadTask {
	if r := o.active(t.ID); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.task.Clone()
	}
	return t.Clone()
}

func (o *Orchestrator) newTask(lessonID string, q types.Quality, source *types.LessonSource) *types.DownloadTask {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return &types.DownloadTask{
		ID:          id.String(),
		LessonID:    lessonID,
		Quality:     q,
		Status:      types.StatusPending,
		URL:         source.URL,
		Title:       source.Title,
		ModuleTitle: source.ModuleTitle,
		CreatedAt:   o.now(),
	}
}

// DownloadModule starts every lesson of a module. Lessons that cannot be
// started are logged and skipped; the returned tasks are those that started.
func (o *Orchestrator) DownloadModule(ctx context.Context, moduleID string, q types.Quality) ([]*types.DownloadTask, error) {
	lessons, err := o.resolver.ModuleLessons(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list lessons of module %s: %w", moduleID, err)
	}

	tasks := make([]*types.DownloadTask, 0, len(lessons))
	for _, lessonID := range lessons {
		task, err := o.DownloadLesson(ctx, lessonID, q)
		if err != nil {
			o.logError("download_module", err, logrus.Fields{
				"module_id": moduleID,
				"lesson_id": lessonID,
				"quality":   q,
			})
			continue
		}
		tasks = append(tasks, task)
	}

	o.log.WithFields(logrus.Fields{
		"module_id": moduleID,
		"lessons":   len(lessons),
		"started":   len(tasks),
	}).Info("module download queued")

	return tasks, nil
}

// Pause stops an active download, keeping its chunks for Resume. It is a
// no-op for a task that is not downloading.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) error {
	r := o.active(taskID)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	if !r.started || r.task.Status != types.StatusDownloading {
		r.mu.Unlock()
		return nil
	}
	r.intent = stopPause
	r.mu.Unlock()

	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume restarts a paused task. Any other status is an invalid transition.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := o.lockKey(task.ResourceKey())
	defer unlock()

	// Re-read under the key lock.
	task, err = o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(task, types.StatusPending); err != nil {
		return nil, err
	}

	source, err := o.resolver.ResolveLesson(ctx, task.LessonID, task.Quality)
	if err != nil {
		return nil, fmt.Errorf("resolve lesson %s: %w", task.LessonID, err)
	}
	if source.URL != "" {
		task.URL = source.URL
	}

	task.Error = ""
	if err := o.setStatus(ctx, task, types.StatusPending); err != nil {
		return nil, err
	}

	snap := task.Clone()
	if err := o.start(task, source); err != nil {
		return nil, err
	}

	return snap, nil
}

// Cancel aborts a task if it is running and deletes its record and chunks.
// Unknown tasks are ignored.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if r := o.active(taskID); r != nil {
		r.mu.Lock()
		r.intent = stopCancel
		r.mu.Unlock()

		r.cancel()

		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	task, err := o.store.GetTask(ctx, taskID)
	if stderrors.Is(err, errors.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := o.lockKey(task.ResourceKey())
	defer unlock()

	if err := o.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if task.Status != types.StatusCompleted {
		if err := o.store.DeleteChunks(ctx, task.ResourceKey()); err != nil {
			return err
		}
	}

	o.emit(events.Event{Type: events.EventTaskRemoved, Task: task.Clone()})
	o.log.WithFields(taskFields(task)).Info("download task cancelled")

	return nil
}

// Recover repairs tasks left behind by a previous process: downloading tasks
// become paused, pending tasks are started again. With AutoResume, paused
// tasks are resumed too.
func (o *Orchestrator) Recover(ctx context.Context) error {
	tasks, err := o.store.ListTasks(ctx, store.TaskFilter{
		Statuses: []types.TaskStatus{types.StatusDownloading, types.StatusPending},
	})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if o.active(task.ID) != nil {
			continue
		}

		switch task.Status {
		case types.StatusDownloading:
			if err := o.setStatus(ctx, task, types.StatusPaused); err != nil {
				o.logError("recover", err, taskFields(task))
				continue
			}
			o.log.WithFields(taskFields(task)).Info("interrupted download marked paused")

		case types.StatusPending:
			source, err := o.resolver.ResolveLesson(ctx, task.LessonID, task.Quality)
			if err != nil {
				o.logError("recover", err, taskFields(task))
				if err := o.store.DeleteTask(ctx, task.ID); err != nil {
					return err
				}
				o.emit(events.Event{Type: events.EventTaskRemoved, Task: task.Clone()})
				continue
			}
			if err := o.start(task, source); err != nil {
				return err
			}
		}
	}

	if !o.autoResume {
		return nil
	}

	paused, err := o.store.ListTasks(ctx, store.TaskFilter{Statuses: []types.TaskStatus{types.StatusPaused}})
	if err != nil {
		return err
	}
	for _, task := range paused {
		if _, err := o.Resume(ctx, task.ID); err != nil {
			o.logError("auto_resume", err, taskFields(task))
		}
	}

	return nil
}

// Wait blocks until the task's current run ends and returns its final state.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	if r := o.active(taskID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.store.GetTask(ctx, taskID)
}

// GetTask returns the current state of a task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	if r := o.active(taskID); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.task.Clone(), nil
	}
	return o.store.GetTask(ctx, taskID)
}

// ListTasks returns stored tasks matching f.
func (o *Orchestrator) ListTasks(ctx context.Context, f store.TaskFilter) ([]*types.DownloadTask, error) {
	return o.store.ListTasks(ctx, f)
}

// Close stops every running task, leaving them paused for the next Recover.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.intent == stopNone {
			r.intent = stopShutdown
		}
		r.mu.Unlock()
	}

	o.stopAll()
	o.wg.Wait()
}

// setStatus moves t to status `to` and persists it. t is updated only when
// the write succeeds.
func (o *Orchestrator) setStatus(ctx context.Context, t *types.DownloadTask, to types.TaskStatus) error {
	if err := checkTransition(t, to); err != nil {
		return err
	}

	from := t.Status
	next := *t
	next.Status = to

	if err := o.store.PutTask(ctx, &next); err != nil {
		return err
	}
	*t = next

	o.emit(events.Event{Type: events.EventTaskStatus, Task: t.Clone(), From: from, To: to})
	o.log.WithFields(taskFields(t)).WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("task status changed")

	return nil
}

// EstimateETA projects the remaining time from this session's throughput.
func EstimateETA(downloaded, total, sessionBytes int64, elapsed time.Duration) time.Duration {
	if total <= 0 || downloaded >= total || sessionBytes <= 0 || elapsed <= 0 {
		return 0
	}

	rate := float64(sessionBytes) / elapsed.Seconds()
	remaining := float64(total - downloaded)

	return time.Duration(remaining / rate * float64(time.Second))
}
