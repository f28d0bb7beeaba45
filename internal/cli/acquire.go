package cli

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/acquire"
	"github.com/glorpus-work/planetile/pkg/archive"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// NewAcquireCmd creates the acquire command.
func NewAcquireCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Download source datasets and emit the asset manifest",
		Long: `Download the Blue Marble panels, GEBCO bathymetry, and Natural Earth
masks plus any enabled optional imagery sources, then write MANIFEST.json
describing everything acquired.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runAcquireStage(cmd.Context(), cfg, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "re-download assets even when cached")
	return cmd
}

// runAcquireStage acquires all configured sources. The core source is
// required; optional sources log their failure and the stage continues.
func runAcquireStage(ctx context.Context, cfg *config.Config, force bool) error {
	manager, err := loadDownloadManager(cfg)
	if err != nil {
		return err
	}

	sources := buildAcquireSources(cfg, manager, force)
	coordinator := acquire.NewCoordinator(manager, manifestPath(cfg), Version, sources...)

	params := map[string]any{
		"bmng_resolution": cfg.Processing.BmngResolution,
	}
	for _, result := range coordinator.Run(ctx) {
		if result.Err != nil {
			if result.Source == "core" {
				return errors.Wrap(result.Err, "core dataset acquisition failed")
			}
			logger.Warn("optional source skipped", logger.Fields{
				"source": result.Source,
				"error":  result.Err.Error(),
			})
			continue
		}
		if len(result.Summary) > 0 {
			params[result.Source] = map[string]any(result.Summary)
		}
	}

	if _, err := coordinator.GenerateManifest(params); err != nil {
		return errors.Wrap(err, "failed to write manifest")
	}
	logger.Success("acquire stage complete", logger.Fields{"manifest": manifestPath(cfg)})
	return nil
}

// buildAcquireSources assembles the source list for the configuration. A
// misconfigured or credential-less optional source is dropped with a
// warning rather than failing the stage up front.
func buildAcquireSources(cfg *config.Config, manager *download.Manager, force bool) []acquire.Source {
	sources := []acquire.Source{
		acquire.NewCoreSource(manager, cfg.Processing.BmngResolution, force),
	}
	archiver := archive.NewManager()

	if cfg.Modis.Enabled {
		if src := buildBatchSource(cfg.DataDir, archiver, manager, batchParams{
			name:    "modis",
			prefix:  "modis_mcd43a4",
			product: cfg.Modis.Product,
			layers:  acquire.DefaultModisLayers(),
			date:    cfg.Modis.DOY,
			tiles:   cfg.Modis.Tiles,
			force:   force,
		}); src != nil {
			sources = append(sources, src)
		}
	}
	if cfg.Viirs.Enabled {
		if src := buildBatchSource(cfg.DataDir, archiver, manager, batchParams{
			name:    "viirs",
			prefix:  "viirs_vnp09ga",
			product: cfg.Viirs.Product,
			layers:  acquire.DefaultViirsLayers(),
			date:    cfg.Viirs.Date,
			tiles:   cfg.Viirs.Tiles,
			force:   force,
		}); src != nil {
			sources = append(sources, src)
		}
	}

	if cfg.Copernicus.Enabled {
		creds, err := acquire.CopernicusCredentialsFromEnv()
		if err != nil {
			logger.Warn("copernicus tiles skipped", logger.Fields{"error": err.Error()})
		} else {
			sources = append(sources, acquire.NewCopernicusSource(
				cfg.Copernicus, creds,
				filepath.Join(cfg.DataDir, "copernicus", "tiles"),
				force, dryRun()))
		}
	}

	if cfg.GSIOrthophotos.Enabled {
		output := filepath.Join(cfg.ProcessingDir(), cfg.GSIOrthophotos.OutputBasename+".tif")
		sources = append(sources, acquire.NewGSISource(
			cfg.GSIOrthophotos, runner.New(dryRun()), manager, output, dryRun()))
	}

	return sources
}

type batchParams struct {
	name    string
	prefix  string
	product string
	layers  []string
	date    string
	tiles   []string
	force   bool
}

func buildBatchSource(dataDir string, archiver *archive.Manager, manager *download.Manager, p batchParams) acquire.Source {
	if p.date == "" || len(p.tiles) == 0 {
		logger.Warn("batch source skipped: date and tiles must be configured", logger.Fields{
			"source": p.name,
		})
		return nil
	}
	date, err := parseAcquisitionDate(p.date)
	if err != nil {
		logger.Warn("batch source skipped", logger.Fields{
			"source": p.name,
			"error":  err.Error(),
		})
		return nil
	}

	client, err := acquire.AppEEARSClientFromEnv(acquire.AppEEARSOptions{})
	if err != nil {
		logger.Warn("batch source skipped: no credentials", logger.Fields{
			"source": p.name,
			"error":  err.Error(),
		})
		return nil
	}

	requests := make([]acquire.TileRequest, 0, len(p.tiles))
	for _, tile := range p.tiles {
		requests = append(requests, acquire.TileRequest{Tile: tile, Date: date})
	}
	return acquire.NewBatchSource(client, archiver, manager, acquire.BatchSourceOptions{
		Name:     p.name,
		Prefix:   p.prefix,
		Product:  p.product,
		Layers:   p.layers,
		Requests: requests,
		DestDir:  filepath.Join(dataDir, p.prefix),
		Force:    p.force,
		DryRun:   dryRun(),
	})
}

// parseAcquisitionDate accepts a calendar date (2024-05-31) or a
// year-plus-day-of-year code (2024152).
func parseAcquisitionDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	if len(value) == 7 {
		year, yearErr := strconv.Atoi(value[:4])
		day, dayErr := strconv.Atoi(value[4:])
		if yearErr == nil && dayErr == nil && day >= 1 && day <= 366 {
			return time.Date(year, time.January, day, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, errors.Wrapf(errors.ErrConfigValidation,
		"cannot parse acquisition date %q", value)
}
