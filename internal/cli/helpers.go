// Package cli implements the planetile command-line interface.
package cli

import (
	"path/filepath"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
)

// These variables will be set by the main package.
var (
	ConfigPath *string
	Verbose    *bool
	DryRun     *bool
)

const defaultConfigName = "planetile.yaml"

const downloadUserAgent = "planetile/" + Version

// loadConfig loads the configuration named by the global --config flag and
// initializes logging from it.
func loadConfig() (*config.Config, error) {
	path := defaultConfigName
	if ConfigPath != nil && *ConfigPath != "" {
		path = *ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if Verbose != nil && *Verbose {
		cfg.LogLevel = "debug"
	}
	logger.InitLogger(cfg.LogLevel)
	return cfg, nil
}

func dryRun() bool {
	return DryRun != nil && *DryRun
}

// catalogPath resolves the asset catalog location. A config without an
// explicit catalog falls back to configs/assets.yaml beside the binary's
// working directory.
func catalogPath(cfg *config.Config) string {
	if cfg.Catalog != "" {
		return cfg.Catalog
	}
	return filepath.Join("configs", "assets.yaml")
}

// loadDownloadManager builds the download cache manager over the asset
// catalog.
func loadDownloadManager(cfg *config.Config) (*download.Manager, error) {
	cat, err := catalog.Load(catalogPath(cfg))
	if err != nil {
		return nil, err
	}
	var fetcher download.Fetcher = download.NewHTTPFetcher(10*time.Minute, downloadUserAgent)
	if dryRun() {
		fetcher = download.DryRunFetcher{}
	}
	return download.NewManager(cfg.DataDir, cat, fetcher, download.Options{
		DryRun: dryRun(),
	}), nil
}

func manifestPath(cfg *config.Config) string {
	return filepath.Join(cfg.OutputDir, "MANIFEST.json")
}
