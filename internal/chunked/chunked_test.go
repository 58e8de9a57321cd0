package chunked

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/offline/internal/retry"
	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

const mib = 1024 * 1024

func asset(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i * 7) % 256)
	}
	return b
}

type memStore struct {
	mu      sync.Mutex
	chunks  map[string]map[int64]Chunk
	deletes int
}

func newMemStore() *memStore {
	return &memStore{chunks: make(map[string]map[int64]Chunk)}
}

func (m *memStore) LoadChunks(_ context.Context, key string) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Chunk, 0, len(m.chunks[key]))
	for _, c := range m.chunks[key] {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) SaveChunk(_ context.Context, key string, c Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[key] == nil {
		m.chunks[key] = make(map[int64]Chunk)
	}
	m.chunks[key][c.Start] = c
	return nil
}

func (m *memStore) DeleteChunks(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, key)
	m.deletes++
	return nil
}

func (m *memStore) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[key])
}

// rangeFetcher serves data from memory and can fail or stall after a number of fetches.
type rangeFetcher struct {
	mu        sync.Mutex
	data      []byte
	size      int64
	fetches   int
	ranges    []Range
	failAfter int // fail every fetch once this many succeeded; 0 disables
	failOnce  int // fail only the fetch with this 1-based index; 0 disables
	calls     int
	failErr   error
}

func (f *rangeFetcher) Probe(context.Context, string) (int64, error) {
	if f.size != 0 {
		return f.size, nil
	}
	return int64(len(f.data)), nil
}

func (f *rangeFetcher) Fetch(ctx context.Context, _ string, start, end int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapError(err, errors.CodeCancelled, "cancelled")
	}
	f.calls++
	if f.failAfter > 0 && f.fetches >= f.failAfter {
		return nil, f.failErr
	}
	if f.failOnce > 0 && f.calls == f.failOnce {
		return nil, f.failErr
	}
	f.fetches++
	if end < 0 {
		end = int64(len(f.data)) - 1
	}
	f.ranges = append(f.ranges, Range{Start: start, End: end})
	return append([]byte(nil), f.data[start:end+1]...), nil
}

func fastRetry(attempts int) *retry.RetryManager {
	return retry.NewRetryManager().
		WithMaxAttempts(attempts).
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		chunkSize int64
		want      int
		lastLen   int64
	}{
		{"empty", 0, mib, 0, 0},
		{"smaller than a chunk", 1000, mib, 1, 1000},
		{"exact multiple", 5 * mib, mib, 5, mib},
		{"remainder", 5*mib + 17, mib, 6, 17},
		{"default chunk size", 3 * mib, 0, 3, mib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Plan(tt.total, tt.chunkSize)
			if len(plan) != tt.want {
				t.Fatalf("len(Plan) = %d, want %d", len(plan), tt.want)
			}
			if tt.want == 0 {
				return
			}
			if plan[0].Start != 0 {
				t.Errorf("first range starts at %d", plan[0].Start)
			}
			if last := plan[len(plan)-1]; last.Len() != tt.lastLen || last.End != tt.total-1 {
				t.Errorf("last range = %+v, want length %d ending at %d", last, tt.lastLen, tt.total-1)
			}
			for i := 1; i < len(plan); i++ {
				if plan[i].Start != plan[i-1].End+1 {
					t.Errorf("range %d does not follow range %d", i, i-1)
				}
			}
		})
	}
}

func TestMissing(t *testing.T) {
	plan := Plan(5*mib, mib)
	data := asset(5 * mib)
	stored := []Chunk{
		{Start: 0, End: mib - 1, Data: data[:mib]},
		{Start: 2 * mib, End: 3*mib - 1, Data: data[2*mib : 3*mib]},
		{Start: 10, End: 20, Data: data[10:21]},         // not on the plan
		{Start: 4 * mib, End: 5*mib - 1, Data: data[:3]}, // truncated payload
	}

	have := Usable(plan, stored)
	if len(have) != 2 {
		t.Fatalf("Usable kept %d chunks, want 2", len(have))
	}

	missing := Missing(plan, have)
	want := []int64{mib, 3 * mib, 4 * mib}
	if len(missing) != len(want) {
		t.Fatalf("Missing = %+v, want starts %v", missing, want)
	}
	for i, r := range missing {
		if r.Start != want[i] {
			t.Errorf("missing[%d].Start = %d, want %d", i, r.Start, want[i])
		}
	}
}

func TestAssemble(t *testing.T) {
	data := asset(10)

	t.Run("out of order input", func(t *testing.T) {
		got, err := Assemble([]Chunk{
			{Start: 6, End: 9, Data: data[6:10]},
			{Start: 0, End: 2, Data: data[0:3]},
			{Start: 3, End: 5, Data: data[3:6]},
		}, 10)
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("assembled bytes differ from source")
		}
	})

	t.Run("gap", func(t *testing.T) {
		_, err := Assemble([]Chunk{
			{Start: 0, End: 2, Data: data[0:3]},
			{Start: 6, End: 9, Data: data[6:10]},
		}, 10)
		if errors.GetErrorCode(err) != errors.CodeCorruptedData {
			t.Errorf("gap error = %v", err)
		}
	})

	t.Run("short", func(t *testing.T) {
		_, err := Assemble([]Chunk{{Start: 0, End: 2, Data: data[0:3]}}, 10)
		if err == nil {
			t.Error("expected error for incomplete chunk set")
		}
	})

	t.Run("overlap", func(t *testing.T) {
		_, err := Assemble([]Chunk{
			{Start: 0, End: 5, Data: data[0:6]},
			{Start: 3, End: 9, Data: data[3:10]},
		}, 10)
		if err == nil {
			t.Error("expected error for overlapping chunks")
		}
	})
}

func TestDownload_Complete(t *testing.T) {
	data := asset(3*mib + 512)
	f := &rangeFetcher{data: data}
	store := newMemStore()

	var progress []int64
	d := New(f, store, Options{Retry: fastRetry(1)}, nil)
	blob, err := d.Download(context.Background(), "https://cdn/a.mp4", "a:hd", types.QualityHD, func(done, total int64) {
		if total != int64(len(data)) {
			t.Errorf("progress total = %d, want %d", total, len(data))
		}
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if !bytes.Equal(blob.Data, data) {
		t.Error("blob differs from source")
	}
	if blob.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want video/mp4", blob.ContentType)
	}
	if len(progress) != 4 || progress[len(progress)-1] != int64(len(data)) {
		t.Errorf("progress = %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if got := store.count("a:hd"); got != 4 {
		t.Errorf("stored chunks after assembly = %d, want 4 (kept until the caller persists the blob)", got)
	}
}

func TestDownload_ResumeFetchesOnlyMissing(t *testing.T) {
	data := asset(5 * mib)
	store := newMemStore()

	// First run dies after three chunks have been persisted.
	first := &rangeFetcher{data: data, failAfter: 3, failErr: errors.NewDownloadError(errors.CodeNetworkError, "connection reset")}
	_, err := New(first, store, Options{Retry: fastRetry(1)}, nil).
		Download(context.Background(), "https://cdn/a.mp4", "lesson-1:sd", types.QualitySD, nil)
	if err == nil {
		t.Fatal("first run should fail")
	}
	if got := store.count("lesson-1:sd"); got != 3 {
		t.Fatalf("stored chunks after interruption = %d, want 3", got)
	}

	second := &rangeFetcher{data: data}
	blob, err := New(second, store, Options{Retry: fastRetry(1)}, nil).
		Download(context.Background(), "https://cdn/a.mp4", "lesson-1:sd", types.QualitySD, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	if second.fetches != 2 {
		t.Errorf("resume fetched %d chunks, want 2", second.fetches)
	}
	for _, r := range second.ranges {
		if r.Start < 3*mib {
			t.Errorf("resume refetched range starting at %d", r.Start)
		}
	}
	if blob.Size() != 5*mib {
		t.Errorf("blob size = %d, want %d", blob.Size(), 5*mib)
	}
	if !bytes.Equal(blob.Data, data) {
		t.Error("resumed blob differs from an uninterrupted download")
	}
}

func TestDownload_WholeOperationRetry(t *testing.T) {
	data := asset(4 * mib)
	store := newMemStore()
	f := &rangeFetcher{data: data, failOnce: 3, failErr: errors.NewDownloadError(errors.CodeNetworkError, "timeout")}

	var delays []time.Duration
	rm := retry.NewRetryManager().WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	})

	blob, err := New(f, store, Options{Retry: rm}, nil).
		Download(context.Background(), "u", "k", types.QualityHD, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(blob.Data, data) {
		t.Error("blob differs from source")
	}
	if f.fetches != 4 {
		t.Errorf("fetches = %d, want 4 (stored chunks are not refetched)", f.fetches)
	}
	if len(delays) != 1 || delays[0] != 5*time.Second {
		t.Errorf("backoff delays = %v, want [5s]", delays)
	}
}

func TestDownload_RetriesExhausted(t *testing.T) {
	cause := errors.NewDownloadError(errors.CodeServerError, "bad gateway")
	f := &rangeFetcher{data: asset(2 * mib), failAfter: 1, failErr: cause}

	var attempts []int
	rm := fastRetry(3)
	d := New(f, newMemStore(), Options{Retry: rm}, nil)
	_, err := rm.ExecuteWithRetryAndStats(context.Background(), func(ctx context.Context) error {
		_, err := d.attempt(ctx, "u", "k", types.QualityHD, func(int64, int64) {}, d.log)
		return err
	}, func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) })
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(attempts) != 2 {
		t.Errorf("retry callbacks = %v, want 2", attempts)
	}

	_, err = d.Download(context.Background(), "https://cdn/x.mp4", "k", types.QualityHD, nil)
	if errors.GetErrorCode(err) != errors.CodeRetriesExhausted {
		t.Fatalf("code = %v, want retries exhausted (%v)", errors.GetErrorCode(err), err)
	}
	var de *errors.DownloadError
	if !stderrors.As(err, &de) || de.URL != "https://cdn/x.mp4" {
		t.Errorf("URL not attached to terminal error: %+v", de)
	}
	if !stderrors.Is(err, cause) {
		t.Error("terminal error should wrap the last cause")
	}
}

func TestDownload_SizeChangedDiscardsChunks(t *testing.T) {
	store := newMemStore()
	old := asset(3 * mib)
	_ = store.SaveChunk(context.Background(), "k", Chunk{Start: 2 * mib, End: 3*mib - 1, Data: old[2*mib:]})

	data := asset(mib + 10)
	f := &rangeFetcher{data: data}
	blob, err := New(f, store, Options{Retry: fastRetry(1)}, nil).
		Download(context.Background(), "u", "k", types.QualitySD, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(blob.Data, data) {
		t.Error("blob differs from source")
	}
	if f.fetches != 2 {
		t.Errorf("fetches = %d, want 2", f.fetches)
	}
}

func TestDownload_UnknownAndEmptySize(t *testing.T) {
	data := asset(1234)

	f := &rangeFetcher{data: data, size: -1}
	var lastTotal int64
	blob, err := New(f, newMemStore(), Options{Retry: fastRetry(1)}, nil).
		Download(context.Background(), "u", "k", types.QualityAudio, func(_, total int64) { lastTotal = total })
	if err != nil {
		t.Fatalf("unknown size: %v", err)
	}
	if !bytes.Equal(blob.Data, data) || lastTotal != -1 {
		t.Errorf("unknown size download: %d bytes, total %d", len(blob.Data), lastTotal)
	}
	if blob.ContentType != "audio/mp4" {
		t.Errorf("ContentType = %q, want audio/mp4", blob.ContentType)
	}

	empty := &rangeFetcher{data: []byte{}}
	blob, err = New(empty, newMemStore(), Options{Retry: fastRetry(1)}, nil).
		Download(context.Background(), "u", "k", types.QualitySD, nil)
	if err != nil || blob.Size() != 0 {
		t.Errorf("empty download = %v, %v", blob, err)
	}
}

func TestDownload_Concurrent(t *testing.T) {
	data := asset(7*mib + 3)
	f := &rangeFetcher{data: data}
	blob, err := New(f, newMemStore(), Options{Concurrency: 4, Retry: fastRetry(1)}, nil).
		Download(context.Background(), "u", "k", types.QualityHD, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(blob.Data, data) {
		t.Error("parallel fetch reassembled out of order")
	}
}

type countingLimiter struct {
	mu    sync.Mutex
	bytes int
}

func (l *countingLimiter) Wait(ctx context.Context, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytes += n
	return ctx.Err()
}

func (l *countingLimiter) Rate() int64 { return 1 }

func TestDownload_LimiterChargesEveryRange(t *testing.T) {
	data := asset(2*mib + 100)
	lim := &countingLimiter{}
	_, err := New(&rangeFetcher{data: data}, newMemStore(), Options{Retry: fastRetry(1), Limiter: lim}, nil).
		Download(context.Background(), "u", "k", types.QualityHD, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if lim.bytes != len(data) {
		t.Errorf("limiter charged %d bytes, want %d", lim.bytes, len(data))
	}
}

func TestDownload_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &rangeFetcher{data: asset(2 * mib)}
	_, err := New(f, newMemStore(), Options{Retry: fastRetry(3)}, nil).
		Download(ctx, "u", "k", types.QualityHD, nil)
	if !errors.IsCancellation(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestSniffContentType(t *testing.T) {
	mp4 := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2', 0, 0, 0, 0}
	if got := SniffContentType(mp4, types.QualityHD); got != "video/mp4" {
		t.Errorf("mp4 sniff = %q", got)
	}
	if got := SniffContentType([]byte("plain text"), types.QualityAudio); got != "audio/mp4" {
		t.Errorf("fallback = %q, want audio/mp4", got)
	}
}
