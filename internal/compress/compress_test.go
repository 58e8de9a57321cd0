package compress

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
)

type fakeBackend struct {
	available bool
	delay     time.Duration
	err       error
	out       []byte
	calls     int
}

func (f *fakeBackend) Name() string    { return "fake" }
func (f *fakeBackend) Available() bool { return f.available }

func (f *fakeBackend) Compress(ctx context.Context, data []byte, opts Options) ([]byte, string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.out, opts.Quality.ContentType(), nil
}

func blob(n int) *types.Blob {
	return &types.Blob{Data: make([]byte, n), ContentType: "video/mp4"}
}

func TestOptionsFor(t *testing.T) {
	tests := []struct {
		quality   types.Quality
		bitrate   int
		height    int
		audioOnly bool
		container string
	}{
		{types.QualityAudio, 64, 0, true, "m4a"},
		{types.QualitySD, 1000, 480, false, "mp4"},
		{types.QualityHD, 2500, 720, false, "mp4"},
		{types.Quality("4k"), 2500, 720, false, "mp4"},
	}

	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			o := OptionsFor(tt.quality)
			assert.Equal(t, tt.bitrate, o.BitrateKbps)
			assert.Equal(t, tt.height, o.Height)
			assert.Equal(t, tt.audioOnly, o.AudioOnly)
			assert.Equal(t, tt.container, o.Container)
		})
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	args := BuildFFmpegArgs("/in", "/out.mp4", OptionsFor(types.QualitySD))
	assert.Equal(t, []string{
		"-y", "-nostdin", "-loglevel", "error",
		"-i", "/in",
		"-c:v", VideoCodec,
		"-preset", VideoPreset,
		"-b:v", "1000k",
		"-vf", "scale=-2:480",
		"-c:a", AudioCodec,
		"-b:a", "128k",
		"-movflags", FastStartFlag,
		"/out.mp4",
	}, args)

	audio := BuildFFmpegArgs("/in", "/out.m4a", OptionsFor(types.QualityAudio))
	assert.Contains(t, audio, "-vn")
	assert.Contains(t, audio, "64k")
	assert.NotContains(t, audio, VideoCodec)
}

func TestPipeline_Compresses(t *testing.T) {
	backend := &fakeBackend{available: true, out: make([]byte, 40)}
	p := NewPipeline(backend, PipelineOptions{}, nil)
	defer p.Close()

	in := blob(100)
	resp := p.Submit(context.Background(), in, OptionsFor(types.QualityHD))
	require.Equal(t, TypeCompressed, resp.Type)
	c := resp.Compressed()
	require.NotNil(t, c)
	assert.Equal(t, int64(100), c.OriginalSize)
	assert.Equal(t, int64(40), c.CompressedSize)
	assert.InDelta(t, 0.4, c.CompressionRatio, 1e-9)

	out := p.Compress(context.Background(), in, OptionsFor(types.QualityHD))
	assert.Equal(t, 40, len(out.Data))
}

func TestPipeline_FallsBackToOriginal(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		timeout time.Duration
	}{
		{"nil backend", nil, 0},
		{"unavailable", &fakeBackend{available: false}, 0},
		{"backend error", &fakeBackend{available: true, err: errors.New("codec crashed")}, 0},
		{"timeout", &fakeBackend{available: true, delay: time.Second, out: []byte{1}}, 20 * time.Millisecond},
		{"not smaller", &fakeBackend{available: true, out: make([]byte, 200)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(tt.backend, PipelineOptions{Timeout: tt.timeout}, nil)
			defer p.Close()

			in := blob(100)
			start := time.Now()
			out := p.Compress(context.Background(), in, OptionsFor(types.QualitySD))
			assert.Same(t, in, out)
			assert.Less(t, time.Since(start), 900*time.Millisecond)
		})
	}
}

func TestPipeline_EmitsFallbackEvent(t *testing.T) {
	emitter := events.NewEmitter(nil)
	defer emitter.Close()

	got := make(chan events.Event, 1)
	emitter.On(events.EventCompressionFallback, func(e events.Event) { got <- e })

	p := NewPipeline(&fakeBackend{available: true, err: errors.New("codec crashed")}, PipelineOptions{Emitter: emitter}, nil)
	defer p.Close()

	in := blob(100)
	assert.Same(t, in, p.Compress(context.Background(), in, OptionsFor(types.QualitySD)))

	select {
	case e := <-got:
		assert.Contains(t, e.Error, "codec crashed")
	case <-time.After(time.Second):
		t.Fatal("no fallback event")
	}
}

func TestPipeline_TimeoutReply(t *testing.T) {
	p := NewPipeline(&fakeBackend{available: true, delay: time.Second}, PipelineOptions{Timeout: 10 * time.Millisecond}, nil)
	defer p.Close()

	resp := p.Submit(context.Background(), blob(10), OptionsFor(types.QualityHD))
	assert.Equal(t, TypeError, resp.Type)
	assert.Contains(t, resp.ErrorMessage(), "timed out")
	assert.Nil(t, resp.Compressed())
}

func TestPipeline_Closed(t *testing.T) {
	backend := &fakeBackend{available: true, out: []byte{1}}
	p := NewPipeline(backend, PipelineOptions{}, nil)
	p.Close()
	p.Close()

	in := blob(10)
	assert.Same(t, in, p.Compress(context.Background(), in, OptionsFor(types.QualityHD)))
	assert.Equal(t, 0, backend.calls)
}

func TestMessageContract(t *testing.T) {
	resp := compressedResponse(blob(10), blob(5))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "compressed", decoded["type"])
	data := decoded["data"].(map[string]any)
	for _, k := range []string{"compressedBlob", "originalSize", "compressedSize", "compressionRatio"} {
		assert.Contains(t, data, k)
	}

	raw, err = json.Marshal(errorResponse("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"message":"boom"}}`, string(raw))
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(BackendPassthrough, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendPassthrough, b.Name())

	out, ct, err := b.Compress(context.Background(), []byte("abc"), OptionsFor(types.QualityAudio))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	assert.Equal(t, "audio/mp4", ct)

	b, err = NewBackend(BackendAuto, nil)
	require.NoError(t, err)
	if _, lookErr := exec.LookPath(FFmpegCommand); lookErr == nil {
		assert.Equal(t, BackendFFmpeg, b.Name())
	} else {
		assert.Equal(t, BackendPassthrough, b.Name())
	}

	_, err = NewBackend("lame", nil)
	assert.Error(t, err)
}

func TestFFmpegBackend_Missing(t *testing.T) {
	ff := &FFmpegBackend{path: "", log: nil}
	assert.False(t, ff.Available())
	_, _, err := ff.Compress(context.Background(), []byte{1}, OptionsFor(types.QualityHD))
	assert.Error(t, err)
}

func TestFFmpegBackend_RejectsGarbage(t *testing.T) {
	if os.Getenv("OFFLINE_FFMPEG_TESTS") == "" {
		t.Skip("set OFFLINE_FFMPEG_TESTS to run against a real ffmpeg")
	}
	ff := NewFFmpegBackend("", nil)
	if !ff.Available() {
		t.Skip("ffmpeg not installed")
	}
	_, _, err := ff.Compress(context.Background(), []byte("not a video"), OptionsFor(types.QualitySD))
	assert.Error(t, err)
}
