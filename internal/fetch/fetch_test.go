package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/errors"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func rangeServer(t *testing.T, data []byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.ServeContent(w, r, "lesson.mp4", time.Unix(0, 0), bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPFetcher_Probe(t *testing.T) {
	data := payload(4096)
	srv, _ := rangeServer(t, data)

	f := NewHTTPFetcherWithClient(srv.Client(), nil)
	total, err := f.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if total != int64(len(data)) {
		t.Errorf("Probe = %d, want %d", total, len(data))
	}
}

func TestHTTPFetcher_ProbeWithoutRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	f := NewHTTPFetcherWithClient(srv.Client(), nil)
	total, err := f.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if total != 10 {
		t.Errorf("Probe = %d, want 10", total)
	}
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	data := payload(10_000)
	srv, _ := rangeServer(t, data)
	f := NewHTTPFetcherWithClient(srv.Client(), nil)

	tests := []struct {
		name       string
		start, end int64
	}{
		{"head", 0, 99},
		{"middle", 1000, 4095},
		{"tail", 9000, 9999},
		{"open ended", 9990, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Fetch(context.Background(), srv.URL, tt.start, tt.end)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			end := tt.end
			if end < 0 {
				end = int64(len(data)) - 1
			}
			if !bytes.Equal(got, data[tt.start:end+1]) {
				t.Errorf("Fetch(%d, %d) returned wrong bytes", tt.start, tt.end)
			}
		})
	}
}

func TestHTTPFetcher_FetchStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte("full body ignoring range"))
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcherWithClient(srv.Client(), nil)

	tests := []struct {
		path  string
		start int64
		code  errors.ErrorCode
	}{
		{"/missing", 0, errors.CodeNotFound},
		{"/broken", 0, errors.CodeServerError},
		{"/norange", 5, errors.CodeRangeNotSatisfiable},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), srv.URL+tt.path, tt.start, tt.start+3)
			if got := errors.GetErrorCode(err); got != tt.code {
				t.Errorf("code = %v, want %v (err %v)", got, tt.code, err)
			}
		})
	}
}

func TestHTTPFetcher_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("01234"))
	}))
	defer srv.Close()

	f := NewHTTPFetcherWithClient(srv.Client(), nil)
	_, err := f.Fetch(context.Background(), srv.URL, 0, 9)
	if errors.GetErrorCode(err) != errors.CodeCorruptedData {
		t.Errorf("expected corrupted data error, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("short range reads should be retryable")
	}
}

func TestHTTPFetcher_Cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	f := NewHTTPFetcherWithClient(srv.Client(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.Fetch(ctx, srv.URL, 0, 10)
	if !errors.IsCancellation(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"bytes 0-0/1234", 1234},
		{"bytes */0", 0},
		{"bytes 0-0/*", -1},
		{"", -1},
		{"bytes 0-0/", -1},
		{"bytes 0-0/abc", -1},
	}

	for _, tt := range tests {
		if got := parseContentRangeTotal(tt.in); got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewHTTPFetcher_Proxy(t *testing.T) {
	for _, p := range []string{"", "http://proxy.local:3128", "socks5://user:pw@127.0.0.1:1080"} {
		if _, err := NewHTTPFetcher(HTTPOptions{ProxyURL: p, Timeout: time.Second}, nil); err != nil {
			t.Errorf("NewHTTPFetcher(proxy %q): %v", p, err)
		}
	}
	if _, err := NewHTTPFetcher(HTTPOptions{ProxyURL: "://bad"}, nil); err == nil {
		t.Error("expected error for malformed proxy URL")
	}
}

type stubFetcher struct{ name string }

func (s stubFetcher) Probe(context.Context, string) (int64, error) { return int64(len(s.name)), nil }
func (s stubFetcher) Fetch(context.Context, string, int64, int64) ([]byte, error) {
	return []byte(s.name), nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(stubFetcher{"web"}, "http", "HTTPS")
	r.Register(stubFetcher{"ftp"}, "ftp")

	got, err := r.Fetch(context.Background(), "https://cdn.example.com/a.mp4", 0, 1)
	if err != nil || string(got) != "web" {
		t.Errorf("https dispatch = %q, %v", got, err)
	}

	n, err := r.Probe(context.Background(), "ftp://mirror/a.mp4")
	if err != nil || n != 3 {
		t.Errorf("ftp probe = %d, %v", n, err)
	}

	_, err = r.Fetch(context.Background(), "gopher://x/y", 0, 1)
	if errors.GetErrorCode(err) != errors.CodeInvalidURL {
		t.Errorf("unknown scheme error = %v", err)
	}

	if len(r.Schemes()) != 3 {
		t.Errorf("Schemes() = %v, want 3 entries", r.Schemes())
	}
}

type mockS3 struct {
	content   string
	lastRange string
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.lastRange = *in.Range
	var start, end int
	if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(m.content[start : end+1]))}, nil
}

func (m *mockS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	n := int64(len(m.content))
	return &s3.HeadObjectOutput{ContentLength: &n}, nil
}

func TestS3Fetcher(t *testing.T) {
	m := &mockS3{content: "abcdefghijklmnopqrstuvwxyz"}
	f := &S3Fetcher{client: m, log: logrus.StandardLogger()}

	total, err := f.Probe(context.Background(), "s3://bucket/lessons/a.mp4")
	if err != nil || total != 26 {
		t.Fatalf("Probe = %d, %v", total, err)
	}

	got, err := f.Fetch(context.Background(), "s3://bucket/lessons/a.mp4", 2, 5)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "cdef" {
		t.Errorf("Fetch = %q, want cdef", got)
	}
	if m.lastRange != "bytes=2-5" {
		t.Errorf("Range = %q, want bytes=2-5", m.lastRange)
	}

	if _, err := f.Probe(context.Background(), "s3://bucket-only"); err == nil {
		t.Error("expected error for S3 URL without key")
	}
}
