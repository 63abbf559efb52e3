package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDownload wraps every failure fetching remote media.
var ErrDownload = errors.New("download")

var errStalled = errors.New("transfer stalled")

// Downloader streams remote media into local scratch files.
type Downloader struct {
	httpClient  *http.Client
	idleTimeout time.Duration
	maxBytes    int64
}

// NewDownloader builds a downloader whose connect, response-header and per-read
// deadlines are bounded by timeout. A slow body that keeps making progress is
// never cut off. maxBytes <= 0 disables the size cap.
func NewDownloader(timeout time.Duration, maxBytes int64) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Downloader{
		httpClient:  &http.Client{Transport: transport},
		idleTimeout: timeout,
		maxBytes:    maxBytes,
	}
}

// Download fetches rawURL into a uniquely named file under dir and returns its
// path. The caller owns the file. Nothing is left on disk when an error is returned.
func (d *Downloader) Download(ctx context.Context, rawURL, dir string) (string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(d.idleTimeout, func() { cancel(errStalled) })
	defer idle.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrDownload, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %w", ErrDownload, rawURL, stallCause(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: get %s: status %d", ErrDownload, rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create dir: %w", ErrDownload, err)
	}
	path := filepath.Join(dir, uuid.NewString()+extFromURL(rawURL))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create file: %w", ErrDownload, err)
	}

	var body io.Reader = &idleReader{r: resp.Body, timer: idle, timeout: d.idleTimeout}
	if d.maxBytes > 0 {
		body = io.LimitReader(body, d.maxBytes+1)
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("%w: write %s: %w", ErrDownload, path, stallCause(ctx, copyErr))
	case closeErr != nil:
		err = fmt.Errorf("%w: close %s: %w", ErrDownload, path, closeErr)
	case d.maxBytes > 0 && n > d.maxBytes:
		err = fmt.Errorf("%w: %s exceeds %d bytes", ErrDownload, rawURL, d.maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// idleReader pushes the stall deadline back every time the body yields data.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func stallCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errStalled) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".mp4"
	}
	ext := strings.ToLower(filepath.Ext(u.Path))
	if ext == "" || len(ext) > 5 {
		return ".mp4"
	}
	return ext
}
