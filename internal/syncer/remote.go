package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vfaronov/httpheader"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

// Remote delivers a batch of events of one category. A nil error is the
// acknowledgement for every event in the batch.
type Remote interface {
	Push(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent) error
}

// RemoteFunc adapts a function to Remote.
type RemoteFunc func(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent) error

// Push calls f.
func (f RemoteFunc) Push(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent) error {
	return f(ctx, cat, events)
}

// RetryAfterError is returned when the remote asked the client to back off.
type RetryAfterError struct {
	Until time.Time
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Until.Format(time.RFC3339))
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// HTTPRemote posts batches as JSON to <endpoint>/<category>.
type HTTPRemote struct {
	endpoint *url.URL
	client   *http.Client
	header   http.Header
	log      logrus.FieldLogger
}

// HTTPRemoteOptions configures an HTTPRemote.
type HTTPRemoteOptions struct {
	Timeout time.Duration

	// Header is added to every request.
	Header http.Header

	// Client overrides the default client; Timeout is ignored when set.
	Client *http.Client
}

type wireEvent struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type pushRequest struct {
	Category types.SyncCategory `json:"category"`
	Events   []wireEvent        `json:"events"`
}

// NewHTTPRemote creates an HTTPRemote for endpoint.
func NewHTTPRemote(endpoint string, opts HTTPRemoteOptions, log logrus.FieldLogger) (*HTTPRemote, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewDownloadErrorWithDetails(errors.CodeInvalidURL, "invalid sync endpoint", endpoint)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPRemote{
		endpoint: u,
		client:   client,
		header:   opts.Header.Clone(),
		log:      log.WithField("component", "sync-remote"),
	}, nil
}

// Push implements Remote.
func (r *HTTPRemote) Push(ctx context.Context, cat types.SyncCategory, events []types.SyncEvent) error {
	target := r.endpoint.JoinPath(string(cat)).String()

	req := pushRequest{Category: cat, Events: make([]wireEvent, len(events))}
	for i, ev := range events {
		req.Events[i] = wireEvent{ID: ev.ID, Key: ev.Key, Payload: ev.Payload, CreatedAt: ev.CreatedAt}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.WrapError(err, errors.CodeValidationError, "failed to encode sync batch")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.WrapErrorWithURL(err, errors.CodeInvalidURL, "failed to create sync request", target)
	}
	for name, values := range r.header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.IsCancellation(err) || ctx.Err() != nil {
			return errors.WrapErrorWithURL(err, errors.CodeCancelled, "sync request cancelled", target)
		}
		return errors.WrapErrorWithURL(err, errors.CodeNetworkError, "sync request failed", target)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	de := errors.FromHTTPStatus(resp.StatusCode, target)
	if msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512)); len(msg) > 0 {
		de.Details = strings.TrimSpace(string(msg))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if until := httpheader.RetryAfter(resp.Header); !until.IsZero() {
			r.log.WithFields(logrus.Fields{
				"category": cat,
				"until":    until,
			}).Info("sync endpoint asked to back off")
			return &RetryAfterError{Until: until, Err: de}
		}
	}

	return de
}
