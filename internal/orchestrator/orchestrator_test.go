package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/offline/internal/chunked"
	"github.com/forest6511/offline/internal/quota"
	"github.com/forest6511/offline/internal/store"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/storage/backends"
	"github.com/forest6511/offline/pkg/types"
)

type fakeResolver struct {
	mu      sync.Mutex
	modules map[string][]string
	missing map[string]bool
}

func (f *fakeResolver) ResolveLesson(_ context.Context, lessonID string, _ types.Quality) (*types.LessonSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[lessonID] {
		return nil, errors.NewDownloadError(errors.CodeNotFound, "lesson not in catalog")
	}
	return &types.LessonSource{
		LessonID: lessonID,
		ModuleID: "m1",
		URL:      "https://cdn.example.com/" + lessonID + ".mp4",
		Title:    "Lesson " + lessonID,
	}, nil
}

func (f *fakeResolver) ModuleLessons(_ context.Context, moduleID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lessons, ok := f.modules[moduleID]
	if !ok {
		return nil, errors.NewDownloadError(errors.CodeNotFound, "module not in catalog")
	}
	return lessons, nil
}

func (f *fakeResolver) hide(lessonID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing == nil {
		f.missing = make(map[string]bool)
	}
	f.missing[lessonID] = true
}

// fakeDownloader reports half the payload, then blocks on gate when set.
type fakeDownloader struct {
	gate    chan struct{}
	started chan string
	fail    error
	size    int64
}

func (f *fakeDownloader) Download(ctx context.Context, url, key string, _ types.Quality, onProgress chunked.ProgressFunc) (*types.Blob, error) {
	if f.started != nil {
		f.started <- key
	}
	onProgress(f.size/2, f.size)

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, errors.WrapError(ctx.Err(), errors.CodeCancelled, "download cancelled")
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}

	onProgress(f.size, f.size)
	return &types.Blob{Data: make([]byte, f.size), ContentType: "video/mp4"}, nil
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{
		Dir:    t.TempDir(),
		Blobs:  backends.NewMemoryBackend(),
		Logger: quiet(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newOrchestrator(t *testing.T, s *store.Store, r Resolver, d Downloader, opts Options) *Orchestrator {
	t.Helper()
	o := New(s, r, d, opts, quiet())
	t.Cleanup(o.Close)
	return o
}

func waitFor(t *testing.T, o *Orchestrator, id string) *types.DownloadTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.TaskStatus
		want     bool
	}{
		{types.StatusPending, types.StatusDownloading, true},
		{types.StatusDownloading, types.StatusCompleted, true},
		{types.StatusDownloading, types.StatusFailed, true},
		{types.StatusDownloading, types.StatusPaused, true},
		{types.StatusPaused, types.StatusPending, true},
		{types.StatusPending, types.StatusCompleted, false},
		{types.StatusPaused, types.StatusDownloading, false},
		{types.StatusCompleted, types.StatusPending, false},
		{types.StatusFailed, types.StatusPending, false},
		{types.StatusDownloading, types.StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEstimateETA(t *testing.T) {
	assert.Equal(t, 10*time.Second, EstimateETA(100, 200, 100, 10*time.Second))
	assert.Equal(t, 5*time.Second, EstimateETA(150, 200, 100, 10*time.Second), "resumed bytes do not count toward the rate")
	assert.Zero(t, EstimateETA(100, -1, 100, time.Second), "unknown total")
	assert.Zero(t, EstimateETA(200, 200, 100, time.Second), "done")
	assert.Zero(t, EstimateETA(50, 200, 0, time.Second), "no throughput yet")
}

func TestDownloadLesson_Completes(t *testing.T) {
	s := newStore(t)
	emitter := events.NewEmitter(quiet())
	defer emitter.Close()

	var (
		mu          sync.Mutex
		transitions [][2]types.TaskStatus
	)
	emitter.On(events.EventTaskStatus, func(e events.Event) {
		mu.Lock()
		transitions = append(transitions, [2]types.TaskStatus{e.From, e.To})
		mu.Unlock()
	})

	o := newOrchestrator(t, s, &fakeResolver{}, &fakeDownloader{size: 1024}, Options{Emitter: emitter})

	task, err := o.DownloadLesson(context.Background(), "l1", types.QualitySD)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, task.Status)

	final := waitFor(t, o, task.ID)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, int64(1024), final.TotalSize)
	require.NotNil(t, final.CompletedAt)

	lesson, err := s.GetLesson(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "m1", lesson.ModuleID)
	assert.Equal(t, int64(1024), lesson.Size)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, tr := range transitions {
		assert.True(t, CanTransition(tr[0], tr[1]), "illegal transition %s -> %s", tr[0], tr[1])
	}
}

func TestDownloadLesson_IsIdempotentWhileActive(t *testing.T) {
	s := newStore(t)
	d := &fakeDownloader{size: 100, gate: make(chan struct{}), started: make(chan string, 2)}
	o := newOrchestrator(t, s, &fakeResolver{}, d, Options{})

	first, err := o.DownloadLesson(context.Background(), "l1", types.QualityHD)
	require.NoError(t, err)
	<-d.started

	second, err := o.DownloadLesson(context.Background(), "l1", types.QualityHD)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.StatusDownloading, second.Status)

	other, err := o.DownloadLesson(context.Background(), "l1", types.QualityAudio)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "each quality has its own task")
	<-d.started
	require.NoError(t, o.Cancel(context.Background(), other.ID))

	close(d.gate)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, first.ID).Status)

	again, err := o.DownloadLesson(context.Background(), "l1", types.QualityHD)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "completed task is reused while its video exists")
}

func TestDownloadLesson_ReplacesCompletedTaskWhoseVideoWasOverwritten(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, s, &fakeResolver{}, &fakeDownloader{size: 64}, Options{})
	ctx := context.Background()

	sd, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, sd.ID).Status)

	hd, err := o.DownloadLesson(ctx, "l1", types.QualityHD)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, hd.ID).Status)

	video, err := s.GetVideo(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, types.QualityHD, video.Quality)

	again, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	assert.NotEqual(t, sd.ID, again.ID, "the sd task lost its video")
	assert.Zero(t, again.DownloadedBytes)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, again.ID).Status)

	video, err = s.GetVideo(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, types.QualitySD, video.Quality)

	_, err = o.GetTask(ctx, sd.ID)
	assert.True(t, stderrors.Is(err, errors.ErrTaskNotFound))

	same, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	assert.Equal(t, again.ID, same.ID)
}

func TestDownloadLesson_Validation(t *testing.T) {
	o := newOrchestrator(t, newStore(t), &fakeResolver{}, &fakeDownloader{size: 10}, Options{})

	_, err := o.DownloadLesson(context.Background(), "", types.QualitySD)
	assert.Equal(t, errors.CodeValidationError, errors.GetErrorCode(err))

	_, err = o.DownloadLesson(context.Background(), "l1", types.Quality("4k"))
	assert.Equal(t, errors.CodeValidationError, errors.GetErrorCode(err))
}

func TestDownloadLesson_ResolutionFailureCreatesNoTask(t *testing.T) {
	s := newStore(t)
	r := &fakeResolver{}
	r.hide("ghost")
	o := newOrchestrator(t, s, r, &fakeDownloader{size: 10}, Options{})

	_, err := o.DownloadLesson(context.Background(), "ghost", types.QualitySD)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetErrorCode(err))

	tasks, err := o.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDownloadModule_SkipsUnresolvableLessons(t *testing.T) {
	s := newStore(t)
	r := &fakeResolver{modules: map[string][]string{"m1": {"l1", "l2", "l3"}}}
	r.hide("l2")
	o := newOrchestrator(t, s, r, &fakeDownloader{size: 64}, Options{})

	tasks, err := o.DownloadModule(context.Background(), "m1", types.QualitySD)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "l1", tasks[0].LessonID)
	assert.Equal(t, "l3", tasks[1].LessonID)

	for _, task := range tasks {
		assert.Equal(t, types.StatusCompleted, waitFor(t, o, task.ID).Status)
	}

	_, err = o.DownloadModule(context.Background(), "nope", types.QualitySD)
	assert.Error(t, err)
}

func TestDownloadLesson_FailureThenRetryReplacesTask(t *testing.T) {
	s := newStore(t)
	d := &fakeDownloader{size: 32, fail: errors.NewDownloadError(errors.CodeRetriesExhausted, "gave up")}
	o := newOrchestrator(t, s, &fakeResolver{}, d, Options{})

	task, err := o.DownloadLesson(context.Background(), "l1", types.QualitySD)
	require.NoError(t, err)

	failed := waitFor(t, o, task.ID)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "gave up")

	d.fail = nil
	retry, err := o.DownloadLesson(context.Background(), "l1", types.QualitySD)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, retry.ID)

	assert.Equal(t, types.StatusCompleted, waitFor(t, o, retry.ID).Status)

	_, err = o.GetTask(context.Background(), task.ID)
	assert.True(t, stderrors.Is(err, errors.ErrTaskNotFound), "failed record was replaced")
}

func TestPauseResume(t *testing.T) {
	s := newStore(t)
	d := &fakeDownloader{size: 200, gate: make(chan struct{}), started: make(chan string, 2)}
	o := newOrchestrator(t, s, &fakeResolver{}, d, Options{})
	ctx := context.Background()

	task, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	<-d.started

	require.NoError(t, o.Pause(ctx, task.ID))
	paused, err := o.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)
	assert.Equal(t, int64(100), paused.DownloadedBytes)
	assert.InDelta(t, 50.0, paused.Progress, 0.001)

	require.NoError(t, o.Pause(ctx, task.ID), "pausing a paused task is a no-op")

	resumed, err := o.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, resumed.Status)
	assert.Equal(t, task.ID, resumed.ID)
	<-d.started

	close(d.gate)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, task.ID).Status)

	_, err = o.Resume(ctx, task.ID)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))
}

// hookStore calls onPut after every persisted task write.
type hookStore struct {
	*store.Store
	onPut func(t *types.DownloadTask)
}

func (h *hookStore) PutTask(ctx context.Context, t *types.DownloadTask) error {
	if err := h.Store.PutTask(ctx, t); err != nil {
		return err
	}
	if h.onPut != nil {
		h.onPut(t)
	}
	return nil
}

func TestResumeBeforePausedRunExits(t *testing.T) {
	hs := &hookStore{Store: newStore(t)}
	d := &fakeDownloader{size: 200, gate: make(chan struct{}), started: make(chan string, 2)}
	o := New(hs, &fakeResolver{}, d, Options{}, quiet())
	t.Cleanup(o.Close)
	ctx := context.Background()

	// Resume lands after the paused status is stored but before the paused
	// run has unregistered itself.
	var (
		once      sync.Once
		resumeErr error
	)
	hs.onPut = func(task *types.DownloadTask) {
		if task.Status != types.StatusPaused {
			return
		}
		once.Do(func() {
			_, resumeErr = o.Resume(ctx, task.ID)
		})
	}

	task, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	<-d.started

	require.NoError(t, o.Pause(ctx, task.ID))
	require.NoError(t, resumeErr)
	<-d.started

	again, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID, "the resumed run is still tracked")

	require.NoError(t, o.Pause(ctx, task.ID))
	paused, err := o.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status, "the resumed run can be paused")
}

// fakeSpace fails EnsureSpace with err until it is cleared.
type fakeSpace struct {
	mu  sync.Mutex
	err error
}

func (f *fakeSpace) EnsureSpace(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSpace) MaybeEvict(context.Context) (quota.EvictionResult, bool, error) {
	return quota.EvictionResult{}, false, nil
}

func (f *fakeSpace) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
}

func TestChunksKeptUntilLessonIsStored(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := types.ResourceKey("l1", types.QualitySD)
	require.NoError(t, s.SaveChunk(ctx, key, chunked.Chunk{Start: 0, End: 63, Data: make([]byte, 64)}))

	space := &fakeSpace{err: errors.NewDownloadError(errors.CodeInsufficientSpace, "disk full")}
	o := newOrchestrator(t, s, &fakeResolver{}, &fakeDownloader{size: 64}, Options{Space: space})

	task, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, waitFor(t, o, task.ID).Status)

	chunks, err := s.LoadChunks(ctx, key)
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "a failed space check keeps the fetched ranges")

	space.clear()
	retry, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, retry.ID).Status)

	chunks, err = s.LoadChunks(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestCancel(t *testing.T) {
	s := newStore(t)
	d := &fakeDownloader{size: 200, gate: make(chan struct{}), started: make(chan string, 1)}
	emitter := events.NewEmitter(quiet())
	defer emitter.Close()
	removed := make(chan string, 1)
	emitter.On(events.EventTaskRemoved, func(e events.Event) { removed <- e.Task.ID })

	o := newOrchestrator(t, s, &fakeResolver{}, d, Options{Emitter: emitter})
	ctx := context.Background()

	task, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	<-d.started

	require.NoError(t, s.SaveChunk(ctx, task.ResourceKey(), chunked.Chunk{Start: 0, End: 99, Data: make([]byte, 100)}))
	require.NoError(t, o.Cancel(ctx, task.ID))

	_, err = o.GetTask(ctx, task.ID)
	assert.True(t, stderrors.Is(err, errors.ErrTaskNotFound))

	chunks, err := s.LoadChunks(ctx, task.ResourceKey())
	require.NoError(t, err)
	assert.Empty(t, chunks)

	select {
	case id := <-removed:
		assert.Equal(t, task.ID, id)
	case <-time.After(time.Second):
		t.Fatal("no removal event")
	}

	assert.NoError(t, o.Cancel(ctx, "unknown"))
}

func TestRecover(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutTask(ctx, &types.DownloadTask{
		ID: "t-interrupted", LessonID: "l1", Quality: types.QualitySD,
		Status: types.StatusDownloading, CreatedAt: now,
	}))
	require.NoError(t, s.PutTask(ctx, &types.DownloadTask{
		ID: "t-queued", LessonID: "l2", Quality: types.QualitySD,
		Status: types.StatusPending, CreatedAt: now,
	}))
	require.NoError(t, s.PutTask(ctx, &types.DownloadTask{
		ID: "t-gone", LessonID: "l3", Quality: types.QualitySD,
		Status: types.StatusPending, CreatedAt: now,
	}))

	r := &fakeResolver{}
	r.hide("l3")
	o := newOrchestrator(t, s, r, &fakeDownloader{size: 16}, Options{})

	require.NoError(t, o.Recover(ctx))

	interrupted, err := s.GetTask(ctx, "t-interrupted")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, interrupted.Status)

	assert.Equal(t, types.StatusCompleted, waitFor(t, o, "t-queued").Status)

	_, err = s.GetTask(ctx, "t-gone")
	assert.True(t, stderrors.Is(err, errors.ErrTaskNotFound))
}

func TestRecover_AutoResume(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTask(ctx, &types.DownloadTask{
		ID: "t1", LessonID: "l1", Quality: types.QualityAudio,
		Status: types.StatusDownloading, CreatedAt: time.Now(),
	}))

	o := newOrchestrator(t, s, &fakeResolver{}, &fakeDownloader{size: 16}, Options{AutoResume: true})
	require.NoError(t, o.Recover(ctx))

	assert.Equal(t, types.StatusCompleted, waitFor(t, o, "t1").Status)
}

func TestClose_LeavesRunningTasksPaused(t *testing.T) {
	s := newStore(t)
	d := &fakeDownloader{size: 200, gate: make(chan struct{}), started: make(chan string, 1)}
	o := New(s, &fakeResolver{}, d, Options{}, quiet())

	task, err := o.DownloadLesson(context.Background(), "l1", types.QualitySD)
	require.NoError(t, err)
	<-d.started

	o.Close()

	stored, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, stored.Status)

	_, err = o.DownloadLesson(context.Background(), "l2", types.QualitySD)
	assert.Equal(t, errors.CodeCancelled, errors.GetErrorCode(err))
}

func TestMaxConcurrent(t *testing.T) {
	s := newStore(t)
	d := &fakeDownloader{size: 10, gate: make(chan struct{}), started: make(chan string, 4)}
	o := newOrchestrator(t, s, &fakeResolver{}, d, Options{MaxConcurrent: 1})
	ctx := context.Background()

	first, err := o.DownloadLesson(ctx, "l1", types.QualitySD)
	require.NoError(t, err)
	second, err := o.DownloadLesson(ctx, "l2", types.QualitySD)
	require.NoError(t, err)
	<-d.started

	statuses := map[types.TaskStatus]int{}
	for _, id := range []string{first.ID, second.ID} {
		task, err := o.GetTask(ctx, id)
		require.NoError(t, err)
		statuses[task.Status]++
	}
	assert.Equal(t, 1, statuses[types.StatusDownloading])
	assert.Equal(t, 1, statuses[types.StatusPending], "the other task waits for a slot")

	close(d.gate)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, first.ID).Status)
	assert.Equal(t, types.StatusCompleted, waitFor(t, o, second.ID).Status)
}
