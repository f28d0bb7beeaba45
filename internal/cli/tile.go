package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/packaging"
	"github.com/glorpus-work/planetile/pkg/tiling"
)

// NewTileCmd creates the tile command.
func NewTileCmd() *cobra.Command {
	var (
		tileFormat string
		quality    int
	)

	cmd := &cobra.Command{
		Use:   "tile",
		Short: "Generate the tile pyramid and MBTiles archive",
		Long: `Select the configured tile source raster, reproject it to
WebMercator, build the XYZ pyramid, and pack it into MBTiles and PMTiles.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tileFormat != "" {
				cfg.Processing.TileFormat = tileFormat
			}
			if quality > 0 {
				cfg.Processing.TileQuality = quality
			}
			return runTileStage(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&tileFormat, "tile-format", "", "override the configured tile format")
	cmd.Flags().IntVar(&quality, "quality", 0, "override the configured tile quality")
	return cmd
}

func runTileStage(ctx context.Context, cfg *config.Config) error {
	kind, err := tiling.Resolve(cfg)
	if err != nil {
		return err
	}
	input, err := tiling.SelectInput(cfg.ProcessingDir(), kind, cfg.GSIOrthophotos.OutputBasename)
	if err != nil {
		return err
	}
	if cfg.Processing.TileAttribution == "" {
		cfg.Processing.TileAttribution = packaging.CreditFor(string(kind)).Attribution
	}

	manager, err := tiling.NewManager(cfg.Processing, cfg.TempDir, cfg.OutputDir, nil, dryRun())
	if err != nil {
		return err
	}

	warped, err := manager.Reproject(ctx, input)
	if err != nil {
		return err
	}
	zxyDir, err := manager.BuildZXY(ctx, warped)
	if err != nil {
		return err
	}
	mbtilesPath, err := manager.PackMBTiles(ctx, zxyDir, input)
	if err != nil {
		return err
	}
	if err := manager.OptimizeOverviews(ctx, mbtilesPath); err != nil {
		return err
	}
	pmtilesPath, err := manager.ConvertPMTiles(ctx, mbtilesPath)
	if err != nil {
		return err
	}

	logger.Success("tile stage complete", logger.Fields{
		"source":  input,
		"mbtiles": mbtilesPath,
		"pmtiles": pmtilesPath,
	})
	return nil
}
