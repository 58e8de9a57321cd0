// Package offline downloads course lessons for offline playback and syncs
// locally generated learning events back to a server.
//
// Example:
//
//	cat, _ := catalog.Load("catalog.json", nil)
//	engine, err := offline.New(config.DefaultConfig(), offline.WithResolver(cat))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	task, err := engine.DownloadLesson(ctx, "intro", types.QualitySD)
package offline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/internal/chunked"
	"github.com/forest6511/offline/internal/compress"
	"github.com/forest6511/offline/internal/fetch"
	"github.com/forest6511/offline/internal/media"
	"github.com/forest6511/offline/internal/orchestrator"
	"github.com/forest6511/offline/internal/quota"
	"github.com/forest6511/offline/internal/retry"
	"github.com/forest6511/offline/internal/store"
	"github.com/forest6511/offline/internal/syncer"
	"github.com/forest6511/offline/pkg/config"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/ratelimit"
	"github.com/forest6511/offline/pkg/storage"
	"github.com/forest6511/offline/pkg/storage/backends"
	"github.com/forest6511/offline/pkg/types"
)

// Engine wires the download, storage and sync components together. Each
// Engine owns its data directory exclusively.
type Engine struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	emitter *events.Emitter

	blobs    *storage.Manager
	store    *store.Store
	pipeline *compress.Pipeline
	quota    *quota.Manager
	orch     *orchestrator.Orchestrator
	sync     *syncer.Scheduler
	syncing  bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New opens the data directory in cfg and starts background sync. Tasks left
// behind by a previous process are recovered before New returns.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError("config", err.Error())
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		return nil, errors.NewValidationError("resolver", "a lesson resolver is required")
	}

	log := o.logger
	if log == nil {
		logger, err := cfg.Logging.NewLogger()
		if err != nil {
			return nil, errors.NewValidationError("logging", err.Error())
		}
		log = logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		log:     log.WithField("component", "engine"),
		emitter: events.NewEmitter(log),
		blobs:   storage.NewManager(),
		cancel:  cancel,
	}

	if err := e.open(ctx, log, &o); err != nil {
		_ = e.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) open(ctx context.Context, log logrus.FieldLogger, o *engineOptions) error {
	cfg := e.cfg

	blobs, err := e.openBlobs(o)
	if err != nil {
		return err
	}

	e.store, err = store.Open(ctx, store.Options{Dir: cfg.Storage.DataDir, Blobs: blobs, Logger: log})
	if err != nil {
		return err
	}

	if n, err := e.store.SweepOrphans(ctx); err != nil {
		e.log.WithError(err).Warn("orphan sweep failed")
	} else if n > 0 {
		e.log.WithField("removed", n).Info("removed orphaned payloads")
	}

	fetcher := o.fetcher
	if fetcher == nil {
		if fetcher, err = newRegistry(ctx, cfg, log); err != nil {
			return err
		}
	}

	policy := o.retry
	if policy == nil {
		policy = retry.NewRetryManagerWithConfig(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay,
			cfg.Retry.MaxDelay, cfg.Retry.BackoffFactor, cfg.Retry.Jitter)
	}

	chunkOpts := chunked.Options{
		ChunkSize:   cfg.Download.ChunkSize,
		Concurrency: cfg.Download.ChunkConcurrency,
		Retry:       policy,
	}
	// Validate already accepted the rate.
	if bps, _ := ratelimit.ParseRate(cfg.Download.MaxRate); bps > 0 {
		chunkOpts.Limiter = ratelimit.NewBandwidthLimiter(bps)
		e.log.WithField("max_rate", ratelimit.FormatRate(bps)).Info("download bandwidth capped")
	}
	downloader := chunked.New(fetcher, e.store, chunkOpts, log)

	provider := o.provider
	if provider == nil {
		if provider, err = quota.NewProvider(cfg.Quota.Provider, cfg.Storage.DataDir, cfg.Quota.FixedQuota, log); err != nil {
			return errors.NewValidationError("quota", err.Error())
		}
	}
	e.quota = quota.New(e.store, quota.Options{
		Retain:    cfg.Quota.Retain,
		HighWater: cfg.Quota.HighWater,
		Provider:  provider,
		Emitter:   e.emitter,
	}, log)

	orchOpts := orchestrator.Options{
		MaxConcurrent: cfg.Download.MaxConcurrent,
		AutoResume:    cfg.Download.AutoResume,
		Space:         e.quota,
		Emitter:       e.emitter,
	}

	if cfg.Compression.Enabled {
		backend := o.compression
		if backend == nil {
			if backend, err = compress.NewBackend(cfg.Compression.Backend, log); err != nil {
				return errors.NewValidationError("compression", err.Error())
			}
		}
		e.pipeline = compress.NewPipeline(backend, compress.PipelineOptions{
			Timeout: cfg.Compression.Timeout,
			Workers: cfg.Compression.Workers,
			Emitter: e.emitter,
		}, log)
		orchOpts.Compressor = e.pipeline
	}

	if cfg.Media.NormalizeThumbnails {
		n := media.NewNormalizer(log)
		n.MaxWidth = cfg.Media.MaxWidth
		n.MaxHeight = cfg.Media.MaxHeight
		n.Quality = cfg.Media.Quality
		orchOpts.Thumbnails = n
	}

	e.orch = orchestrator.New(e.store, o.resolver, downloader, orchOpts, log)
	if err := e.orch.Recover(ctx); err != nil {
		return err
	}

	return e.startSync(ctx, log, o)
}

func (e *Engine) openBlobs(o *engineOptions) (storage.Backend, error) {
	cfg := e.cfg
	name := cfg.Storage.Backend
	backend := o.blobs

	if backend == nil {
		options := make(map[string]interface{}, len(cfg.Storage.Options)+1)
		for k, v := range cfg.Storage.Options {
			options[k] = v
		}
		if name == backends.TypeFilesystem {
			if _, ok := options["basePath"]; !ok {
				options["basePath"] = filepath.Join(cfg.Storage.DataDir, "blobs")
			}
		}

		var err error
		backend, err = backends.New(name, options)
		if err != nil {
			return nil, errors.WrapError(err, errors.CodeStorageError, "failed to open blob storage")
		}
	} else {
		name = "custom"
	}

	e.blobs.Register(name, backend)
	if err := e.blobs.SetDefault(name); err != nil {
		return nil, errors.WrapError(err, errors.CodeStorageError, "failed to select blob storage")
	}

	return e.blobs.Default()
}

// newRegistry registers the http, ftp and, when enabled, s3 fetchers.
func newRegistry(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*fetch.Registry, error) {
	reg := fetch.NewRegistry()

	httpFetcher, err := fetch.NewHTTPFetcher(fetch.HTTPOptions{
		Timeout:     cfg.Download.Timeout,
		UserAgent:   cfg.Download.UserAgent,
		ProxyURL:    cfg.Download.ProxyURL,
		InsecureTLS: cfg.Download.InsecureTLS,
		Headers:     cfg.Download.Headers,
	}, log)
	if err != nil {
		return nil, err
	}
	reg.Register(httpFetcher, "http", "https")

	ftpOpts := fetch.DefaultFTPOptions()
	ftpOpts.DialTimeout = cfg.Download.Timeout
	if cfg.Download.FTP.Username != "" {
		ftpOpts.Username = cfg.Download.FTP.Username
		ftpOpts.Password = cfg.Download.FTP.Password
	}
	reg.Register(fetch.NewFTPFetcher(ftpOpts, log), "ftp")

	if s3cfg := cfg.Download.S3; s3cfg.Enabled {
		s3Fetcher, err := fetch.NewS3Fetcher(ctx, fetch.S3Options{
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.UsePathStyle,
			Profile:      s3cfg.Profile,
		}, log)
		if err != nil {
			return nil, err
		}
		reg.Register(s3Fetcher, "s3")
	}

	return reg, nil
}

func (e *Engine) startSync(ctx context.Context, log logrus.FieldLogger, o *engineOptions) error {
	cfg := e.cfg

	remote := o.remote
	if remote == nil && cfg.Sync.Endpoint != "" {
		header := make(map[string][]string, len(cfg.Sync.Headers))
		for k, v := range cfg.Sync.Headers {
			header[k] = []string{v}
		}
		r, err := syncer.NewHTTPRemote(cfg.Sync.Endpoint, syncer.HTTPRemoteOptions{
			Timeout: cfg.Sync.Timeout,
			Header:  header,
		}, log)
		if err != nil {
			return err
		}
		remote = r
	}

	e.syncing = remote != nil
	if remote == nil {
		remote = syncer.RemoteFunc(func(context.Context, types.SyncCategory, []types.SyncEvent) error {
			return errors.NewDownloadError(errors.CodeSyncFailed, "no sync endpoint configured")
		})
	}

	e.sync = syncer.New(e.store, remote, syncer.Options{
		Interval:  cfg.Sync.Interval,
		BatchSize: cfg.Sync.BatchSize,
		Retention: cfg.Sync.Retention,
		Offline:   cfg.Sync.ProbeURL != "",
		Emitter:   e.emitter,
	}, log)

	if !e.syncing {
		e.log.Info("sync endpoint not configured, events stay queued locally")
		return nil
	}

	e.sync.Start(ctx)

	if cfg.Sync.ProbeURL != "" {
		monitor := syncer.NewProbeMonitor(cfg.Sync.ProbeURL, cfg.Sync.ProbeInterval, e.sync, nil, log)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			monitor.Run(ctx)
		}()
	}

	return nil
}

// DownloadLesson starts downloading a lesson. Requesting a lesson that is
// already queued, downloading or stored returns the existing task.
func (e *Engine) DownloadLesson(ctx context.Context, lessonID string, quality types.Quality) (*types.DownloadTask, error) {
	return e.orch.DownloadLesson(ctx, lessonID, quality)
}

// DownloadModule starts every lesson of a module and returns the tasks that
// started. Lessons that cannot be resolved are skipped.
func (e *Engine) DownloadModule(ctx context.Context, moduleID string, quality types.Quality) ([]*types.DownloadTask, error) {
	return e.orch.DownloadModule(ctx, moduleID, quality)
}

// Pause stops a running download, keeping its progress.
func (e *Engine) Pause(ctx context.Context, taskID string) error {
	return e.orch.Pause(ctx, taskID)
}

// Resume restarts a paused download.
func (e *Engine) Resume(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	return e.orch.Resume(ctx, taskID)
}

// Cancel aborts a download and forgets it.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.orch.Cancel(ctx, taskID)
}

// GetTask returns the current state of a task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	return e.orch.GetTask(ctx, taskID)
}

// Wait blocks until the task stops running and returns its final state.
func (e *Engine) Wait(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	return e.orch.Wait(ctx, taskID)
}

// ListTasks returns tasks, optionally only those in the given statuses.
func (e *Engine) ListTasks(ctx context.Context, statuses ...types.TaskStatus) ([]*types.DownloadTask, error) {
	return e.orch.ListTasks(ctx, store.TaskFilter{Statuses: statuses})
}

// GetLesson returns a stored lesson and its payload.
func (e *Engine) GetLesson(ctx context.Context, lessonID string) (*types.LessonData, *types.Blob, error) {
	lesson, err := e.store.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, nil, err
	}
	blob, err := e.store.LoadVideo(ctx, lessonID)
	if err != nil {
		return nil, nil, err
	}
	return lesson, blob, nil
}

// ListLessons returns stored lessons, optionally only those of one module.
func (e *Engine) ListLessons(ctx context.Context, moduleID string) ([]*types.LessonData, error) {
	return e.store.ListLessons(ctx, moduleID)
}

// GetStorageUsage returns a fresh usage snapshot.
func (e *Engine) GetStorageUsage(ctx context.Context) (types.StorageStats, error) {
	return e.quota.Usage(ctx)
}

// Evict applies the retention policy now.
func (e *Engine) Evict(ctx context.Context) (quota.EvictionResult, error) {
	return e.quota.Evict(ctx)
}

// ClearCache removes every stored lesson. It returns how many lessons were
// removed and the bytes freed.
func (e *Engine) ClearCache(ctx context.Context) (int, int64, error) {
	n, freed, err := e.store.ClearVideos(ctx)
	if err != nil {
		return 0, 0, err
	}

	e.log.WithFields(logrus.Fields{"lessons": n, "freed": freed}).Info("cache cleared")
	return n, freed, nil
}

// QueueProgressUpdate records a playback position for sync.
func (e *Engine) QueueProgressUpdate(ctx context.Context, update types.ProgressUpdate) error {
	ev, err := syncer.ProgressEvent(update)
	if err != nil {
		return err
	}
	return e.sync.Enqueue(ctx, ev)
}

// QueueAchievement records an earned achievement for sync.
func (e *Engine) QueueAchievement(ctx context.Context, achievementID string, payload any) error {
	return e.queue(ctx, types.CategoryAchievements, achievementID, payload)
}

// QueueSetting records a changed setting for sync. An unsent earlier value of
// the same setting is replaced.
func (e *Engine) QueueSetting(ctx context.Context, name string, value any) error {
	return e.queue(ctx, types.CategorySettings, name, value)
}

func (e *Engine) queue(ctx context.Context, cat types.SyncCategory, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapError(err, errors.CodeValidationError, "failed to encode "+string(cat)+" payload")
	}
	return e.sync.Enqueue(ctx, &types.SyncEvent{Category: cat, Key: key, Payload: data})
}

// SyncWhenOnline flushes queued events now if the device is online. While
// offline it returns immediately; the flush runs when connectivity returns.
func (e *Engine) SyncWhenOnline(ctx context.Context) (syncer.FlushResult, error) {
	if !e.sync.Online() {
		e.log.Info("offline, sync deferred until connectivity returns")
		return syncer.FlushResult{Deferred: append([]types.SyncCategory(nil), types.SyncCategories...)}, nil
	}
	return e.sync.Flush(ctx)
}

// SetOnline reports a connectivity change observed by the host application.
func (e *Engine) SetOnline(online bool) {
	e.sync.SetOnline(online)
}

// GetSyncStatus returns pending counts and the last sync outcome.
func (e *Engine) GetSyncStatus(ctx context.Context) (types.SyncStatusInfo, error) {
	return e.sync.Status(ctx)
}

// Subscribe returns a channel of every engine event and a function that
// stops delivery.
func (e *Engine) Subscribe(buffer int) (<-chan events.Event, func()) {
	return e.emitter.Subscribe(buffer)
}

// On registers a listener for one event type and returns its removal func.
func (e *Engine) On(eventType events.EventType, listener events.Listener) func() {
	return e.emitter.On(eventType, listener)
}

// Close stops background work, pauses running downloads and releases the
// data directory.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()

		if e.sync != nil {
			e.sync.Stop()
		}
		if e.orch != nil {
			e.orch.Close()
		}
		if e.pipeline != nil {
			e.pipeline.Close()
		}
		e.wg.Wait()

		if e.store != nil {
			if err := e.store.Close(); err != nil {
				e.closeErr = err
			}
		}
		if err := e.blobs.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		e.emitter.Close()
	})

	return e.closeErr
}
