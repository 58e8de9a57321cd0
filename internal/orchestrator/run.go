package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/internal/compress"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
)

// start launches a run for a pending task.
func (o *Orchestrator) start(task *types.DownloadTask, source *types.LessonSource) error {
	ctx, cancel := context.WithCancel(o.baseCtx)
	r := &run{
		task:   task,
		source: source,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return errors.NewDownloadError(errors.CodeCancelled, "orchestrator is closed")
	}
	o.runs[task.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	go o.execute(ctx, r)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		// A Resume may already have registered a new run under this ID.
		if o.runs[r.task.ID] == r {
			delete(o.runs, r.task.ID)
		}
		o.mu.Unlock()
		r.cancel()
		close(r.done)
	}()

	// Writes after a pause or shutdown must still land.
	persist := context.WithoutCancel(ctx)
	log := o.log.WithFields(taskFields(r.task))

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		log.Debug("task stopped while queued")
		return
	}
	defer func() { <-o.slots }()

	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if err := o.setStatus(persist, r.task, types.StatusDownloading); err != nil {
		r.mu.Unlock()
		o.logError("start_download", err, taskFields(r.task))
		return
	}
	r.started = true
	r.startedAt = o.now()
	r.baseBytes = r.task.DownloadedBytes
	url, key, quality := r.task.URL, r.task.ResourceKey(), r.task.Quality
	r.mu.Unlock()

	log.Info("download started")

	blob, err := o.downloader.Download(ctx, url, key, quality, func(downloaded, total int64) {
		o.onProgress(persist, r, downloaded, total)
	})
	if err == nil {
		err = o.finish(ctx, r, blob)
	}
	if err != nil {
		o.stopped(persist, r, err)
		return
	}

	log.Info("download completed")

	if o.space != nil {
		if _, _, err := o.space.MaybeEvict(persist); err != nil {
			log.WithError(err).Warn("post-download eviction failed")
		}
	}
}

// finish compresses the payload and stores it with the lesson metadata.
func (o *Orchestrator) finish(ctx context.Context, r *run, blob *types.Blob) error {
	src := r.source
	quality := r.task.Quality

	out := blob
	if o.compressor != nil {
		out = o.compressor.Compress(ctx, blob, compress.OptionsFor(quality))
	}

	if o.space != nil {
		// The chunks of this resource are counted as used and are dropped
		// once the lesson is stored.
		held, err := o.store.ResourceChunkBytes(ctx, r.task.ResourceKey())
		if err != nil {
			return err
		}
		if err := o.space.EnsureSpace(ctx, out.Size()-held); err != nil {
			return err
		}
	}

	meta := src.Metadata
	if len(meta.Thumbnails) > 0 {
		meta.Thumbnails = make(map[string][]byte, len(src.Metadata.Thumbnails))
		for name, data := range src.Metadata.Thumbnails {
			meta.Thumbnails[name] = data
		}
	}
	if o.thumbs != nil {
		o.thumbs.NormalizeMetadata(src.LessonID, &meta)
	}

	lesson := &types.LessonData{
		LessonID:     r.task.LessonID,
		ModuleID:     src.ModuleID,
		Title:        src.Title,
		ModuleTitle:  src.ModuleTitle,
		Duration:     src.Duration,
		Metadata:     meta,
		Quality:      quality,
		ContentType:  out.ContentType,
		DownloadedAt: o.now(),
	}
	if err := o.store.SaveLesson(ctx, lesson, out); err != nil {
		return err
	}
	if err := o.store.DeleteChunks(context.WithoutCancel(ctx), r.task.ResourceKey()); err != nil {
		o.log.WithFields(taskFields(r.task)).WithError(err).Warn("failed to remove chunk state")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := o.now()
	t := r.task
	if t.TotalSize <= 0 {
		t.TotalSize = blob.Size()
	}
	t.DownloadedBytes = t.TotalSize
	t.Progress = 100
	t.ETA = 0
	t.Error = ""
	t.CompletedAt = &now

	return o.setStatus(context.WithoutCancel(ctx), t, types.StatusCompleted)
}

// stopped records why a run ended early. Pauses and shutdowns leave the task
// paused; a cancelled task is deleted by Cancel; anything else fails it.
func (o *Orchestrator) stopped(ctx context.Context, r *run, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.task
	if t.Status != types.StatusDownloading {
		return
	}

	switch {
	case r.intent == stopCancel:
		return

	case r.intent == stopPause, r.intent == stopShutdown, errors.IsCancellation(cause):
		t.ETA = 0
		if err := o.setStatus(ctx, t, types.StatusPaused); err != nil {
			o.logError("pause", err, taskFields(t))
			return
		}
		o.log.WithFields(taskFields(t)).WithField("downloaded", t.DownloadedBytes).Info("download paused")

	default:
		t.Error = cause.Error()
		t.ETA = 0
		if err := o.setStatus(ctx, t, types.StatusFailed); err != nil {
			o.logError("fail", err, taskFields(t))
			return
		}
		o.logError("download", cause, logrus.Fields{
			"task_id":   t.ID,
			"lesson_id": t.LessonID,
			"url":       t.URL,
		})
	}
}

func (o *Orchestrator) onProgress(ctx context.Context, r *run, downloaded, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.task
	if t.Status != types.StatusDownloading {
		return
	}

	t.DownloadedBytes = downloaded
	if total > 0 {
		t.TotalSize = total
		t.Progress = float64(downloaded) / float64(total) * 100
	}
	t.ETA = EstimateETA(downloaded, total, downloaded-r.baseBytes, o.now().Sub(r.startedAt))

	if err := o.store.UpdateProgress(ctx, t.ID, t.DownloadedBytes, t.TotalSize, t.Progress, t.ETA); err != nil {
		o.log.WithFields(taskFields(t)).WithError(err).Warn("failed to persist progress")
	}

	o.emit(events.Event{Type: events.EventTaskProgress, Task: t.Clone()})
}
