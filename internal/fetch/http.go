package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/forest6511/offline/pkg/errors"
)

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	Timeout     time.Duration
	UserAgent   string
	ProxyURL    string // http(s):// or socks5:// proxy; empty uses the environment
	InsecureTLS bool
	Headers     map[string]string
}

// HTTPFetcher issues HTTP range requests.
type HTTPFetcher struct {
	client  *http.Client
	options HTTPOptions
	log     logrus.FieldLogger
}

// NewHTTPFetcher creates an HTTP fetcher with its own transport.
func NewHTTPFetcher(opts HTTPOptions, log logrus.FieldLogger) (*HTTPFetcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
		Proxy:               http.ProxyFromEnvironment,
	}

	if opts.ProxyURL != "" {
		if err := configureProxy(transport, opts.ProxyURL); err != nil {
			return nil, err
		}
	}

	if opts.InsecureTLS {
		// #nosec G402 -- opt-in for self-hosted media servers
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		options: opts,
		log:     log.WithField("component", "fetch.http"),
	}, nil
}

// NewHTTPFetcherWithClient wraps an existing client, mainly for tests.
func NewHTTPFetcherWithClient(client *http.Client, log logrus.FieldLogger) *HTTPFetcher {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &HTTPFetcher{client: client, log: log}
}

func configureProxy(transport *http.Transport, rawProxy string) error {
	u, err := url.Parse(rawProxy)
	if err != nil {
		return errors.WrapError(err, errors.CodeValidationError, "invalid proxy URL")
	}

	if !strings.HasPrefix(u.Scheme, "socks5") {
		transport.Proxy = http.ProxyURL(u)
		return nil
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return errors.WrapError(err, errors.CodeValidationError, "cannot create SOCKS5 dialer")
	}

	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}

	return nil
}

func (f *HTTPFetcher) newRequest(ctx context.Context, rawURL, rangeHeader string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.WrapErrorWithURL(err, errors.CodeInvalidURL, "creating request", rawURL)
	}

	req.Header.Set("Range", rangeHeader)
	if f.options.UserAgent != "" {
		req.Header.Set("User-Agent", f.options.UserAgent)
	}
	for k, v := range f.options.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (f *HTTPFetcher) do(req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, errors.WrapErrorWithURL(req.Context().Err(), errors.CodeCancelled, "request aborted", req.URL.String())
		}
		return nil, errors.WrapErrorWithURL(err, errors.CodeNetworkError, "executing request", req.URL.String())
	}

	return resp, nil
}

// Probe asks for the first byte and reads the total from Content-Range.
// A server that ignores ranges answers 200 and the Content-Length is used.
func (f *HTTPFetcher) Probe(ctx context.Context, rawURL string) (int64, error) {
	req, err := f.newRequest(ctx, rawURL, "bytes=0-0")
	if err != nil {
		return -1, err
	}

	resp, err := f.do(req)
	if err != nil {
		return -1, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		f.log.WithFields(logrus.Fields{"url": rawURL, "total": total}).Debug("probe answered with range")
		return total, nil
	case http.StatusOK:
		return resp.ContentLength, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// Zero-length resources answer "bytes */0".
		if total := parseContentRangeTotal(resp.Header.Get("Content-Range")); total == 0 {
			return 0, nil
		}
	}

	return -1, errors.FromHTTPStatus(resp.StatusCode, rawURL)
}

// Fetch performs one range request. Any status other than 206 (or 200 for a
// read that starts at offset zero) is a failure.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
	}

	req, err := f.newRequest(ctx, rawURL, rangeHeader)
	if err != nil {
		return nil, err
	}

	resp, err := f.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if start != 0 {
			de := errors.NewDownloadError(errors.CodeRangeNotSatisfiable, "server ignored range request")
			de.URL = rawURL
			de.HTTPStatusCode = resp.StatusCode
			return nil, de
		}
		if end >= 0 {
			body = io.LimitReader(resp.Body, end+1)
		}
	default:
		return nil, errors.FromHTTPStatus(resp.StatusCode, rawURL)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapErrorWithURL(ctx.Err(), errors.CodeCancelled, "range read aborted", rawURL)
		}
		de := errors.WrapErrorWithURL(err, errors.CodeNetworkError, "reading range body", rawURL)
		de.BytesTransferred = int64(len(data))
		return nil, de
	}

	if err := checkLength(rawURL, data, start, end); err != nil {
		return nil, err
	}

	return data, nil
}

// parseContentRangeTotal extracts the complete length from a Content-Range
// value such as "bytes 0-0/1234" or "bytes */1234". It returns -1 if the
// length is absent or "*".
func parseContentRangeTotal(v string) int64 {
	slash := strings.LastIndexByte(v, '/')
	if slash < 0 || slash == len(v)-1 {
		return -1
	}

	total, err := strconv.ParseInt(strings.TrimSpace(v[slash+1:]), 10, 64)
	if err != nil || total < 0 {
		return -1
	}

	return total
}
