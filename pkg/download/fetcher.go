//go:generate mockgen -destination=./mocks/download.go -package=mocks . Fetcher

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
)

// Fetcher streams a single URL to a destination file and reports the
// SHA-256 digest and byte size of what was written.
type Fetcher interface {
	Fetch(ctx context.Context, url, destination string) (digest string, size int64, err error)
}

// HTTPFetcher downloads over HTTP(S). The response body is streamed to a
// temporary sibling file while being hashed, then atomically renamed into
// place, so the destination never observes a partially written file.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout and
// user agent.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if userAgent == "" {
		userAgent = "planetile/1.0"
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch downloads url into destination.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, destination string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status code %d: %w", resp.StatusCode, errors.ErrDownloadFailed)
	}

	if err := fsutil.EnsureFileDir(destination); err != nil {
		return "", 0, errors.Wrap(err, "could not create destination dir")
	}

	tmpPath := destination + ".part"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fsutil.FileModeDefault)
	if err != nil {
		return "", 0, errors.Wrap(err, "could not create temp file")
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, errors.Wrap(err, "failed to stream response body")
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", 0, errors.Wrap(closeErr, "failed to close temp file")
	}

	if err := os.Rename(tmpPath, destination); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, errors.Wrap(err, "failed to finalize download")
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// DryRunFetcher logs the fetch it would perform and returns a synthetic
// result without touching the network or the filesystem.
type DryRunFetcher struct{}

// Fetch logs and no-ops.
func (DryRunFetcher) Fetch(_ context.Context, url, destination string) (string, int64, error) {
	logger.Info("dry-run: would fetch", logger.Fields{"url": url, "destination": destination})
	return "", 0, nil
}
