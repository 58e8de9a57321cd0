package compress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
)

// Backend names accepted by NewBackend.
const (
	BackendAuto        = "auto"
	BackendFFmpeg      = "ffmpeg"
	BackendPassthrough = "passthrough"

	FFmpegCommand = "ffmpeg"
)

// Backend performs the actual transformation of media bytes.
type Backend interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// Available reports whether the backend can run on this host.
	Available() bool

	// Compress returns the re-encoded payload and its content type.
	Compress(ctx context.Context, data []byte, opts Options) ([]byte, string, error)
}

// NewBackend selects a backend by name. "auto" picks ffmpeg when the binary
// is on PATH and the passthrough backend otherwise.
func NewBackend(name string, log logrus.FieldLogger) (Backend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	switch strings.ToLower(name) {
	case "", BackendAuto:
		if ff := NewFFmpegBackend("", log); ff.Available() {
			return ff, nil
		}
		log.Info("ffmpeg not found, compression disabled")
		return PassthroughBackend{}, nil
	case BackendFFmpeg:
		return NewFFmpegBackend("", log), nil
	case BackendPassthrough, "none":
		return PassthroughBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown compression backend %q", name)
	}
}

// PassthroughBackend returns its input unchanged.
type PassthroughBackend struct{}

func (PassthroughBackend) Name() string    { return BackendPassthrough }
func (PassthroughBackend) Available() bool { return true }

func (PassthroughBackend) Compress(_ context.Context, data []byte, opts Options) ([]byte, string, error) {
	return data, opts.Quality.ContentType(), nil
}

// FFmpegBackend re-encodes media with an external ffmpeg process.
type FFmpegBackend struct {
	path string
	log  logrus.FieldLogger
}

// NewFFmpegBackend resolves the ffmpeg binary; an empty path searches PATH.
func NewFFmpegBackend(path string, log logrus.FieldLogger) *FFmpegBackend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if path == "" {
		if p, err := exec.LookPath(FFmpegCommand); err == nil {
			path = p
		}
	}

	return &FFmpegBackend{path: path, log: log.WithField("component", "compress.ffmpeg")}
}

func (f *FFmpegBackend) Name() string { return BackendFFmpeg }

func (f *FFmpegBackend) Available() bool { return f.path != "" }

// BuildFFmpegArgs builds the ffmpeg command line for one tier.
func BuildFFmpegArgs(inputPath, outputPath string, opts Options) []string {
	args := []string{
		"-y",
		"-nostdin",
		"-loglevel", "error",
		"-i", inputPath,
	}

	if opts.AudioOnly {
		args = append(args,
			"-vn",
			"-c:a", AudioCodec,
			"-b:a", strconv.Itoa(opts.BitrateKbps)+"k",
		)
	} else {
		args = append(args,
			"-c:v", VideoCodec,
			"-preset", VideoPreset,
			"-b:v", strconv.Itoa(opts.BitrateKbps)+"k",
			"-vf", "scale=-2:"+strconv.Itoa(opts.Height),
			"-c:a", AudioCodec,
			"-b:a", strconv.Itoa(VideoAudioBitrateKbps)+"k",
		)
	}

	return append(args, "-movflags", FastStartFlag, outputPath)
}

func (f *FFmpegBackend) Compress(ctx context.Context, data []byte, opts Options) ([]byte, string, error) {
	if !f.Available() {
		return nil, "", fmt.Errorf("ffmpeg binary not found")
	}

	dir, err := os.MkdirTemp("", "offline-compress-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			f.log.WithError(err).Debug("removing compression work dir")
		}
	}()

	in := filepath.Join(dir, "input")
	out := filepath.Join(dir, "output"+opts.Extension())
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("failed to write input: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.path, BuildFFmpegArgs(in, out, opts)...) // #nosec G204 -- arguments are built from fixed options
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	result, err := os.ReadFile(out) // #nosec G304 -- path is inside our temp dir
	if err != nil {
		return nil, "", fmt.Errorf("failed to read output: %w", err)
	}

	if !filetype.IsVideo(result) && !filetype.IsAudio(result) {
		return nil, "", fmt.Errorf("ffmpeg produced unrecognised output")
	}

	contentType := opts.Quality.ContentType()
	if kind, err := filetype.Match(result); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	return result, contentType, nil
}
