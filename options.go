package offline

import (
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/internal/compress"
	"github.com/forest6511/offline/internal/fetch"
	"github.com/forest6511/offline/internal/orchestrator"
	"github.com/forest6511/offline/internal/quota"
	"github.com/forest6511/offline/internal/retry"
	"github.com/forest6511/offline/internal/syncer"
	"github.com/forest6511/offline/pkg/storage"
)

// Option customizes an Engine beyond what the configuration file covers.
type Option func(*engineOptions)

type engineOptions struct {
	logger      logrus.FieldLogger
	resolver    orchestrator.Resolver
	remote      syncer.Remote
	blobs       storage.Backend
	fetcher     fetch.Fetcher
	compression compress.Backend
	provider    quota.Provider
	retry       *retry.RetryManager
}

// WithLogger sets the logger. The configured logging section is used when
// absent.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *engineOptions) { o.logger = log }
}

// WithResolver sets the lesson resolver. It is required.
func WithResolver(r orchestrator.Resolver) Option {
	return func(o *engineOptions) { o.resolver = r }
}

// WithRemote replaces the HTTP sync endpoint.
func WithRemote(r syncer.Remote) Option {
	return func(o *engineOptions) { o.remote = r }
}

// WithBlobBackend stores payloads in b instead of the configured backend.
func WithBlobBackend(b storage.Backend) Option {
	return func(o *engineOptions) { o.blobs = b }
}

// WithFetcher replaces the protocol registry.
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *engineOptions) { o.fetcher = f }
}

// WithCompressionBackend replaces the configured compression backend.
func WithCompressionBackend(b compress.Backend) Option {
	return func(o *engineOptions) { o.compression = b }
}

// WithQuotaProvider replaces the probed capacity provider.
func WithQuotaProvider(p quota.Provider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithRetry replaces the download retry policy.
func WithRetry(r *retry.RetryManager) Option {
	return func(o *engineOptions) { o.retry = r }
}
