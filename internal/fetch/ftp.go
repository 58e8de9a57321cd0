package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/errors"
)

// FTPOptions holds FTP connection configuration
type FTPOptions struct {
	DialTimeout time.Duration
	Username    string
	Password    string
}

// DefaultFTPOptions returns anonymous-login defaults.
func DefaultFTPOptions() FTPOptions {
	return FTPOptions{
		DialTimeout: 10 * time.Second,
		Username:    "anonymous",
		Password:    "anonymous@example.com",
	}
}

// FTPFetcher reads ranges from ftp:// URLs using REST offsets.
// Each call opens its own control connection.
type FTPFetcher struct {
	options FTPOptions
	log     logrus.FieldLogger
}

// NewFTPFetcher creates an FTP fetcher.
func NewFTPFetcher(opts FTPOptions, log logrus.FieldLogger) *FTPFetcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultFTPOptions().DialTimeout
	}

	return &FTPFetcher{options: opts, log: log.WithField("component", "fetch.ftp")}
}

func (f *FTPFetcher) connect(ctx context.Context, rawURL string) (*ftp.ServerConn, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", errors.WrapErrorWithURL(err, errors.CodeInvalidURL, "invalid FTP URL", rawURL)
	}

	if u.Path == "" || u.Path == "/" {
		return nil, "", errors.NewValidationError("url", "no file path in FTP URL")
	}

	port := u.Port()
	if port == "" {
		port = "21"
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	username, password := f.options.Username, f.options.Password
	if username == "" {
		username, password = DefaultFTPOptions().Username, DefaultFTPOptions().Password
	}
	if u.User != nil {
		username = u.User.Username()
		if pwd, ok := u.User.Password(); ok {
			password = pwd
		}
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(f.options.DialTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, "", errors.WrapErrorWithURL(err, errors.CodeNetworkError, "connecting to FTP server "+addr, rawURL)
	}

	if err := conn.Login(username, password); err != nil {
		_ = conn.Quit()
		return nil, "", errors.WrapErrorWithURL(err, errors.CodeAuthenticationFailed, "FTP login failed for "+username, rawURL)
	}

	return conn, u.Path, nil
}

// Probe uses the SIZE command.
func (f *FTPFetcher) Probe(ctx context.Context, rawURL string) (int64, error) {
	conn, path, err := f.connect(ctx, rawURL)
	if err != nil {
		return -1, err
	}
	defer func() { _ = conn.Quit() }()

	size, err := conn.FileSize(path)
	if err != nil {
		// Servers without SIZE support still allow a best-effort transfer.
		f.log.WithError(err).WithField("url", rawURL).Debug("FTP SIZE unavailable")
		return -1, nil
	}

	return size, nil
}

// Fetch retrieves from offset start and stops after end-start+1 bytes.
func (f *FTPFetcher) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	conn, path, err := f.connect(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Quit() }()

	resp, err := conn.RetrFrom(path, uint64(start)) // #nosec G115 -- start is a non-negative offset
	if err != nil {
		return nil, errors.WrapErrorWithURL(err, errors.CodeNetworkError, fmt.Sprintf("RETR %s from %d", path, start), rawURL)
	}

	// A connection deadline stops blocked reads once ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = resp.SetDeadline(time.Now()) })
	defer stop()

	var data []byte
	if end >= 0 {
		data = make([]byte, end-start+1)
		var n int
		n, err = io.ReadFull(resp, data)
		data = data[:n]
	} else {
		data, err = io.ReadAll(resp)
	}

	// Closing before the transfer ends makes the server report an abort; the
	// bytes already read are still valid.
	_ = resp.Close()

	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapErrorWithURL(ctx.Err(), errors.CodeCancelled, "FTP read aborted", rawURL)
		}
		de := errors.WrapErrorWithURL(err, errors.CodeNetworkError, "reading FTP data", rawURL)
		de.BytesTransferred = int64(len(data))
		return nil, de
	}

	if err := checkLength(rawURL, data, start, end); err != nil {
		return nil, err
	}

	return data, nil
}
