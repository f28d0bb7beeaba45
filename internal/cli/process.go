package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/archive"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/process"
)

// NewProcessCmd creates the process command.
func NewProcessCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the raster preprocessing pipeline",
		Long: `Compose and normalize the Blue Marble mosaic, derive the GEBCO
hillshade and Natural Earth masks, and build cloud-optimized rasters for
every enabled imagery source.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runProcessStage(cmd.Context(), cfg, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rebuild outputs whose inputs are unchanged")
	return cmd
}

func runProcessStage(ctx context.Context, cfg *config.Config, force bool) error {
	manager, err := process.NewManager(cfg.Processing, process.Options{
		Copernicus:    cfg.Copernicus,
		Modis:         cfg.Modis,
		Viirs:         cfg.Viirs,
		TempDir:       cfg.TempDir,
		ProcessingDir: cfg.ProcessingDir(),
		DataDir:       cfg.DataDir,
		DryRun:        dryRun(),
	})
	if err != nil {
		return err
	}

	bmngDir := filepath.Join(cfg.DataDir, "bmng", cfg.Processing.BmngResolution)
	if !fsutil.IsDir(bmngDir) {
		return errors.Wrapf(errors.ErrArtifactMissing,
			"BMNG directory not found: %s; run the acquire stage first", bmngDir)
	}
	mosaic, err := manager.ComposeBMNGPanels(ctx, bmngDir)
	if err != nil {
		return err
	}
	panels, err := filepath.Glob(filepath.Join(bmngDir, "*.tif"))
	if err != nil {
		return errors.Wrap(err, "failed to list BMNG panels")
	}
	sort.Strings(panels)
	normalized, err := manager.NormalizeBMNG(ctx, mosaic, panels)
	if err != nil {
		return err
	}

	gebcoPath := filepath.Join(cfg.DataDir, "gebco",
		fmt.Sprintf("GEBCO_%d_CF.nc", cfg.Processing.GebcoYear))
	if _, err := os.Stat(gebcoPath); err != nil {
		return errors.Wrapf(errors.ErrArtifactMissing,
			"GEBCO grid not found: %s; run the acquire stage first", gebcoPath)
	}
	hillshade, err := manager.GenerateHillshade(ctx, gebcoPath)
	if err != nil {
		return err
	}

	masksDir, err := manager.CreateMasks(ctx, filepath.Join(cfg.DataDir, "natural_earth"))
	if err != nil {
		return err
	}

	cogInput := normalized
	if opacity := cfg.Processing.HillshadeOpacity; opacity > 0 {
		blended, blendErr := manager.BlendLayers(ctx, normalized, hillshade, opacity)
		if blendErr != nil {
			return blendErr
		}
		cogInput = blended
	}
	cogPath, err := manager.CreateCOG(ctx, cogInput)
	if err != nil {
		return err
	}

	outputs := logger.Fields{
		"bmng_mosaic": mosaic,
		"normalized":  normalized,
		"hillshade":   hillshade,
		"masks":       masksDir,
		"cog":         cogPath,
	}

	if cfg.Modis.Enabled {
		modisCog, modisErr := prepareBatchRGB(ctx, cfg, manager, batchRGBParams{
			prefix:   "modis_mcd43a4",
			date:     cfg.Modis.DOY,
			tiles:    cfg.Modis.Tiles,
			prepare:  manager.PrepareModisRGB,
			required: "modis.doy",
		})
		if modisErr != nil {
			return modisErr
		}
		outputs["modis_cog"] = modisCog
	}

	if cfg.Viirs.Enabled {
		viirsCog, viirsErr := prepareBatchRGB(ctx, cfg, manager, batchRGBParams{
			prefix:   "viirs_vnp09ga",
			date:     cfg.Viirs.Date,
			tiles:    cfg.Viirs.Tiles,
			prepare:  manager.PrepareViirsRGB,
			required: "viirs.date",
		})
		if viirsErr != nil {
			return viirsErr
		}
		outputs["viirs_cog"] = viirsCog
	}

	if cfg.Copernicus.Enabled {
		cogs, copErr := manager.PrepareCopernicusLayers(ctx, force)
		if copErr != nil {
			if ctx.Err() != nil {
				return copErr
			}
			logger.Warn("copernicus processing skipped", logger.Fields{"error": copErr.Error()})
		} else if len(cogs) > 0 {
			outputs["copernicus_cogs"] = cogs
		}
	}

	if cfg.GSIOrthophotos.Enabled {
		gsiPath := filepath.Join(cfg.ProcessingDir(), cfg.GSIOrthophotos.OutputBasename+".tif")
		if _, statErr := os.Stat(gsiPath); statErr != nil {
			logger.Warn("GSI orthophoto mosaic not found; run the acquire stage first", logger.Fields{
				"path": gsiPath,
			})
		} else {
			gsiCog, gsiErr := manager.CreateCOG(ctx, gsiPath)
			if gsiErr != nil {
				return gsiErr
			}
			outputs["gsi_cog"] = gsiCog
		}
	}

	logger.Success("process stage complete", outputs)
	return nil
}

type batchRGBParams struct {
	prefix   string
	date     string
	tiles    []string
	prepare  func(ctx context.Context, root string, tiles []string, dateCode string) (string, error)
	required string
}

// prepareBatchRGB unpacks the per-tile archives a batch source produced and
// builds the RGB composite for them.
func prepareBatchRGB(ctx context.Context, cfg *config.Config, manager *process.Manager, p batchRGBParams) (string, error) {
	if p.date == "" {
		return "", errors.Wrapf(errors.ErrConfigValidation,
			"%s must be set when the source is enabled", p.required)
	}
	date, err := parseAcquisitionDate(p.date)
	if err != nil {
		return "", err
	}
	code := fmt.Sprintf("%d%03d", date.Year(), date.YearDay())

	destDir := filepath.Join(cfg.DataDir, p.prefix)
	root := filepath.Join(destDir, code)

	tiles := p.tiles
	if len(tiles) == 0 {
		tiles, err = archivedTiles(destDir, p.prefix, code)
		if err != nil {
			return "", err
		}
	}
	if len(tiles) == 0 {
		return "", errors.Wrapf(errors.ErrArtifactMissing,
			"no %s tiles found under %s; run the acquire stage first", p.prefix, destDir)
	}

	if err := unpackTileArchives(ctx, destDir, root, p.prefix, code, tiles); err != nil {
		return "", err
	}
	return p.prepare(ctx, root, tiles, code)
}

// archivedTiles lists the tile ids for which an acquisition archive exists.
func archivedTiles(destDir, prefix, code string) ([]string, error) {
	pattern := filepath.Join(destDir, fmt.Sprintf("%s_%s_*.tar.gz", prefix, code))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tile archives")
	}
	marker := fmt.Sprintf("%s_%s_", prefix, code)
	tiles := make([]string, 0, len(matches))
	for _, match := range matches {
		base := strings.TrimSuffix(filepath.Base(match), ".tar.gz")
		tiles = append(tiles, strings.TrimPrefix(base, marker))
	}
	sort.Strings(tiles)
	return tiles, nil
}

// unpackTileArchives extracts each tile's acquisition archive into its own
// directory under the date root. Already-extracted tiles are left alone.
func unpackTileArchives(ctx context.Context, destDir, root, prefix, code string, tiles []string) error {
	archiver := archive.NewManager()
	for _, tile := range tiles {
		tileDir := filepath.Join(root, tile)
		if fsutil.IsDir(tileDir) {
			continue
		}
		archivePath := filepath.Join(destDir,
			fmt.Sprintf("%s_%s_%s.tar.gz", prefix, code, strings.ToLower(tile)))
		if _, err := os.Stat(archivePath); err != nil {
			return errors.Wrapf(errors.ErrArtifactMissing,
				"tile archive not found: %s; run the acquire stage first", archivePath)
		}
		if err := archiver.ExtractAll(ctx, archivePath, tileDir); err != nil {
			return err
		}
	}
	return nil
}
