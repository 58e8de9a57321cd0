package compress

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
)

// DefaultTimeout bounds one compression round trip.
const DefaultTimeout = 30 * time.Second

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Timeout time.Duration
	Workers int

	// Emitter receives compression_done and compression_fallback events.
	Emitter *events.Emitter
}

type job struct {
	ctx   context.Context
	msg   Request
	reply chan Response
}

// Pipeline hands compression requests to worker goroutines and waits for the
// reply up to a hard timeout.
type Pipeline struct {
	backend Backend
	timeout time.Duration
	jobs    chan job
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	emitter *events.Emitter
	log     logrus.FieldLogger
}

// NewPipeline starts the workers for backend. A nil backend behaves like an
// unavailable worker: every blob comes back unchanged.
func NewPipeline(backend Backend, opts PipelineOptions, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	p := &Pipeline{
		backend: backend,
		timeout: opts.Timeout,
		jobs:    make(chan job),
		done:    make(chan struct{}),
		emitter: opts.Emitter,
		log:     log.WithField("component", "compress"),
	}

	if backend != nil && backend.Available() {
		for i := 0; i < opts.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	}

	return p
}

// Backend returns the name of the configured backend.
func (p *Pipeline) Backend() string {
	if p.backend == nil {
		return "none"
	}
	return p.backend.Name()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			j.reply <- p.handle(j.ctx, j.msg)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg Request) Response {
	if msg.Type != TypeCompress {
		return errorResponse("unsupported message type " + string(msg.Type))
	}

	original := msg.Data.Blob
	if original == nil {
		return errorResponse("no blob in compress request")
	}

	data, contentType, err := p.backend.Compress(ctx, original.Data, msg.Data.Options)
	if err != nil {
		return errorResponse(err.Error())
	}

	return compressedResponse(original, &types.Blob{Data: data, ContentType: contentType})
}

// Submit sends one compress request and waits for the reply. A worker that is
// missing, busy past the deadline or slower than the timeout yields an error
// reply.
func (p *Pipeline) Submit(ctx context.Context, blob *types.Blob, opts Options) Response {
	if p.backend == nil || !p.backend.Available() {
		return errorResponse("compression worker unavailable")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	j := job{
		ctx:   ctx,
		msg:   Request{Type: TypeCompress, Data: RequestData{Blob: blob, Options: opts}},
		reply: make(chan Response, 1),
	}

	select {
	case p.jobs <- j:
	case <-p.done:
		return errorResponse("compression pipeline closed")
	case <-ctx.Done():
		return errorResponse("compression worker busy: " + ctx.Err().Error())
	}

	select {
	case resp := <-j.reply:
		return resp
	case <-ctx.Done():
		return errorResponse("compression timed out after " + p.timeout.String())
	}
}

// Compress returns the compressed blob, or blob itself when compression fails,
// times out, is unavailable or does not make the payload smaller.
func (p *Pipeline) Compress(ctx context.Context, blob *types.Blob, opts Options) *types.Blob {
	log := p.log.WithFields(logrus.Fields{
		"quality": opts.Quality,
		"size":    blob.Size(),
		"backend": p.Backend(),
	})

	resp := p.Submit(ctx, blob, opts)

	c := resp.Compressed()
	if c == nil {
		log.WithField("reason", resp.ErrorMessage()).Warn("compression skipped, keeping original")
		p.emit(events.Event{Type: events.EventCompressionFallback, Error: resp.ErrorMessage()})
		return blob
	}

	if c.CompressedSize >= c.OriginalSize {
		log.WithField("compressed_size", c.CompressedSize).Debug("compression did not reduce size, keeping original")
		return blob
	}

	log.WithFields(logrus.Fields{
		"compressed_size": c.CompressedSize,
		"ratio":           c.CompressionRatio,
	}).Info("compressed lesson media")
	p.emit(events.Event{Type: events.EventCompressionDone})

	return c.CompressedBlob
}

func (p *Pipeline) emit(e events.Event) {
	if p.emitter != nil {
		p.emitter.Emit(e)
	}
}

// Close stops the workers. Later calls to Compress return the original blob.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
