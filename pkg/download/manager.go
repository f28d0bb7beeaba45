package download

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
)

// Result is the outcome of successfully materializing one catalog asset.
type Result struct {
	Record *catalog.Record
	Path   string
	URL    string
	SHA256 string
	Size   int64
}

// Options control retry behavior and dry-run for the cache manager.
type Options struct {
	Retries int           // attempts per candidate URL; <=0 means 3
	Backoff time.Duration // linear backoff base between attempts; <=0 means 2s
	DryRun  bool
}

const (
	defaultRetries = 3
	defaultBackoff = 2 * time.Second
)

// Manager coordinates dataset downloads according to the asset catalog.
// File existence plus checksum is the only persistent state: a repeated
// invocation reuses on-disk files instead of refetching, which is what
// makes the acquire stage idempotent.
type Manager struct {
	dataDir string
	catalog *catalog.Catalog
	fetcher Fetcher
	retries int
	backoff time.Duration
	dryRun  bool

	mu      sync.Mutex
	results map[string]*Result
}

// NewManager creates a download cache manager rooted at dataDir.
func NewManager(dataDir string, cat *catalog.Catalog, fetcher Fetcher, opts Options) *Manager {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Manager{
		dataDir: dataDir,
		catalog: cat,
		fetcher: fetcher,
		retries: opts.Retries,
		backoff: opts.Backoff,
		dryRun:  opts.DryRun,
		results: make(map[string]*Result),
	}
}

// Download materializes a single asset. When the destination already exists
// and force is false, no network I/O happens: the existing file is hashed
// and a Result synthesized from it. A catalog-declared checksum that does
// not match the file (fresh or cached) is a hard failure.
func (m *Manager) Download(ctx context.Context, assetID string, force bool) (*Result, error) {
	rec, err := m.catalog.Get(assetID)
	if err != nil {
		return nil, err
	}
	target := rec.TargetPath(m.dataDir)

	if m.dryRun {
		logger.Info("dry-run: would download asset", logger.Fields{"asset_id": assetID, "path": target})
		result := &Result{Record: rec, Path: target, URL: firstURL(rec)}
		m.record(assetID, result)
		return result, nil
	}

	if err := fsutil.EnsureFileDir(target); err != nil {
		return nil, errors.Wrapf(err, "could not create directory for asset %s", assetID)
	}

	if info, statErr := os.Stat(target); statErr == nil && !force {
		digest, hashErr := SHA256Of(target)
		if hashErr != nil {
			return nil, hashErr
		}
		logger.Info("asset already present", logger.Fields{"asset_id": assetID, "path": target})
		result := &Result{Record: rec, Path: target, URL: firstURL(rec), SHA256: digest, Size: info.Size()}
		if err := validateChecksum(rec, result); err != nil {
			return nil, err
		}
		m.record(assetID, result)
		return result, nil
	}

	if len(rec.URLs) == 0 {
		return nil, errors.Wrapf(errors.ErrDownloadFailed, "asset %s has no source URLs", assetID)
	}

	var lastErr error
	for _, url := range rec.URLs {
		for attempt := 1; attempt <= m.retries; attempt++ {
			logger.Info("downloading asset", logger.Fields{"asset_id": assetID, "url": url, "attempt": attempt})
			digest, size, fetchErr := m.fetcher.Fetch(ctx, url, target)
			if fetchErr == nil {
				result := &Result{Record: rec, Path: target, URL: url, SHA256: digest, Size: size}
				if err := validateChecksum(rec, result); err != nil {
					return nil, err
				}
				m.record(assetID, result)
				return result, nil
			}
			lastErr = fetchErr
			logger.Warn("download attempt failed", logger.Fields{
				"asset_id": assetID,
				"url":      url,
				"attempt":  attempt,
				"error":    fetchErr.Error(),
			})
			if attempt < m.retries {
				if err := sleepCtx(ctx, m.backoff*time.Duration(attempt)); err != nil {
					return nil, err
				}
			}
		}
		logger.Debug("moving to next URL", logger.Fields{"asset_id": assetID, "url": url})
	}
	return nil, errors.Wrapf(errors.ErrDownloadFailed, "unable to download asset %s: %v", assetID, lastErr)
}

// DownloadMany materializes the given assets sequentially, stopping at the
// first failure.
func (m *Manager) DownloadMany(ctx context.Context, assetIDs []string, force bool) (map[string]*Result, error) {
	out := make(map[string]*Result, len(assetIDs))
	for _, id := range assetIDs {
		result, err := m.Download(ctx, id, force)
		if err != nil {
			return nil, err
		}
		out[id] = result
	}
	return out, nil
}

// Results returns a read-only snapshot of the accumulated results table.
func (m *Manager) Results() map[string]*Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]*Result, len(m.results))
	for id, result := range m.results {
		snapshot[id] = result
	}
	return snapshot
}

// Register adds a result produced outside the catalog download path (e.g.
// by a protocol-specific acquisition source) so manifest generation stays
// uniform across source types.
func (m *Manager) Register(assetID string, result *Result) {
	m.record(assetID, result)
}

// DataDir returns the root directory assets are materialized under.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// DryRun reports whether the manager was constructed in dry-run mode.
func (m *Manager) DryRun() bool {
	return m.dryRun
}

func (m *Manager) record(assetID string, result *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[assetID] = result
}

func validateChecksum(rec *catalog.Record, result *Result) error {
	if rec.Checksum != "" && rec.Checksum != result.SHA256 {
		return errors.Wrapf(errors.ErrChecksumMismatch,
			"asset %s: expected %s, got %s", rec.ID, rec.Checksum, result.SHA256)
	}
	return nil
}

func firstURL(rec *catalog.Record) string {
	if len(rec.URLs) > 0 {
		return rec.URLs[0]
	}
	return "cached"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
