// Package chunked downloads a resource as fixed-size byte ranges, persisting
// each range so an interrupted transfer resumes with only the missing ranges.
package chunked

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/forest6511/offline/internal/fetch"
	"github.com/forest6511/offline/internal/retry"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/ratelimit"
	"github.com/forest6511/offline/pkg/types"
)

// ChunkStore persists fetched ranges between attempts and process restarts.
type ChunkStore interface {
	LoadChunks(ctx context.Context, key string) ([]Chunk, error)
	SaveChunk(ctx context.Context, key string, c Chunk) error
	DeleteChunks(ctx context.Context, key string) error
}

// ProgressFunc receives the bytes held so far and the total (-1 if unknown).
type ProgressFunc func(downloaded, total int64)

// Options configures a Downloader.
type Options struct {
	// ChunkSize is the length of each range; DefaultChunkSize when zero.
	ChunkSize int64

	// Concurrency is the number of ranges fetched at once; 1 fetches sequentially.
	Concurrency int

	// Retry controls whole-operation retries; retry.NewRetryManager() when nil.
	Retry *retry.RetryManager

	// Limiter caps transfer speed across all ranges; nil is unlimited.
	Limiter ratelimit.Limiter
}

// Downloader fetches resources range by range.
type Downloader struct {
	fetcher     fetch.Fetcher
	store       ChunkStore
	chunkSize   int64
	concurrency int
	retry       *retry.RetryManager
	limiter     ratelimit.Limiter
	log         logrus.FieldLogger
}

// New creates a Downloader.
func New(fetcher fetch.Fetcher, store ChunkStore, opts Options, log logrus.FieldLogger) *Downloader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewRetryManager()
	}

	return &Downloader{
		fetcher:     fetcher,
		store:       store,
		chunkSize:   opts.ChunkSize,
		concurrency: opts.Concurrency,
		retry:       opts.Retry,
		limiter:     opts.Limiter,
		log:         log.WithField("component", "chunked"),
	}
}

// Download returns the complete resource at url. Ranges already stored under
// key are reused; only the complement is fetched. Any failure restarts the
// whole operation under the retry policy, and exhausting it returns a
// DownloadError wrapping the last cause. Stored ranges for key are left in
// place; the caller drops them once the blob has been persisted.
func (d *Downloader) Download(
	ctx context.Context,
	url, key string,
	quality types.Quality,
	onProgress ProgressFunc,
) (*types.Blob, error) {
	if onProgress == nil {
		onProgress = func(int64, int64) {}
	}

	log := d.log.WithFields(logrus.Fields{"resource": key, "url": url})

	var blob *types.Blob
	err := d.retry.ExecuteWithRetryCallback(ctx, func(ctx context.Context) error {
		var err error
		blob, err = d.attempt(ctx, url, key, quality, onProgress, log)
		return err
	}, func(attempt int, err error, next time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":    attempt,
			"next_delay": next,
		}).Warn("download attempt failed, retrying whole operation")
	})
	if err != nil {
		var de *errors.DownloadError
		if stderrors.As(err, &de) && de.URL == "" {
			de.URL = url
		}
		return nil, err
	}

	return blob, nil
}

func (d *Downloader) attempt(
	ctx context.Context,
	url, key string,
	quality types.Quality,
	onProgress ProgressFunc,
	log logrus.FieldLogger,
) (*types.Blob, error) {
	total, err := d.fetcher.Probe(ctx, url)
	if err != nil {
		return nil, err
	}

	if total < 0 {
		log.Debug("size unknown, fetching in a single request")
		data, err := d.fetcher.Fetch(ctx, url, 0, -1)
		if err != nil {
			return nil, err
		}
		onProgress(int64(len(data)), -1)
		return newBlob(data, quality), nil
	}

	if total == 0 {
		onProgress(0, 0)
		return newBlob([]byte{}, quality), nil
	}

	plan := Plan(total, d.chunkSize)

	stored, err := d.store.LoadChunks(ctx, key)
	if err != nil {
		return nil, errors.WrapError(err, errors.CodeStorageError, "loading stored chunks")
	}

	for _, c := range stored {
		if c.End >= total {
			log.WithField("total", total).Info("resource size changed, discarding stored chunks")
			if err := d.store.DeleteChunks(ctx, key); err != nil {
				return nil, errors.WrapError(err, errors.CodeStorageError, "discarding stale chunks")
			}
			stored = nil
			break
		}
	}

	have := Usable(plan, stored)
	missing := Missing(plan, have)

	var downloaded int64
	for _, c := range have {
		downloaded += int64(len(c.Data))
	}

	log.WithFields(logrus.Fields{
		"total":   total,
		"chunks":  len(plan),
		"stored":  len(have),
		"missing": len(missing),
	}).Debug("resuming chunked download")

	if downloaded > 0 {
		onProgress(downloaded, total)
	}

	var mu sync.Mutex
	record := func(c Chunk) error {
		if err := d.store.SaveChunk(ctx, key, c); err != nil {
			return errors.WrapError(err, errors.CodeStorageError, "persisting chunk")
		}

		mu.Lock()
		have[c.Start] = c
		downloaded += int64(len(c.Data))
		done := downloaded
		mu.Unlock()

		onProgress(done, total)
		return nil
	}

	fetchOne := func(ctx context.Context, r Range) error {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, int(r.Len())); err != nil {
				return err
			}
		}
		data, err := d.fetcher.Fetch(ctx, url, r.Start, r.End)
		if err != nil {
			return err
		}
		if int64(len(data)) != r.Len() {
			return errors.NewDownloadError(errors.CodeCorruptedData, "range length mismatch")
		}
		return record(Chunk{Start: r.Start, End: r.End, Data: data})
	}

	if d.concurrency == 1 {
		for _, r := range missing {
			if err := fetchOne(ctx, r); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.concurrency)
		for _, r := range missing {
			g.Go(func() error { return fetchOne(gctx, r) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	chunks := make([]Chunk, 0, len(have))
	for _, c := range have {
		chunks = append(chunks, c)
	}

	data, err := Assemble(chunks, total)
	if err != nil {
		return nil, err
	}

	return newBlob(data, quality), nil
}

// newBlob wraps data with the tier's content type, refined by sniffing when
// the payload is a recognised audio or video container.
func newBlob(data []byte, quality types.Quality) *types.Blob {
	return &types.Blob{Data: data, ContentType: SniffContentType(data, quality)}
}

// SniffContentType returns the detected media MIME type of data, falling back
// to the fixed type for the quality tier.
func SniffContentType(data []byte, quality types.Quality) string {
	head := data
	if len(head) > 262 {
		head = head[:262]
	}

	if filetype.IsVideo(head) || filetype.IsAudio(head) {
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}

	return quality.ContentType()
}
