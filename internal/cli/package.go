package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/packaging"
	"github.com/glorpus-work/planetile/pkg/tiling"
)

// NewPackageCmd creates the package command.
func NewPackageCmd() *cobra.Command {
	var pmtilesName string

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Create the PMTiles distribution",
		Long: `Convert the tiled MBTiles archive into PMTiles, write its TileJSON
metadata, verify the archive header, and assemble the distribution
directory with the manifest and license.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runPackageStage(cmd.Context(), cfg, pmtilesName)
		},
	}

	cmd.Flags().StringVar(&pmtilesName, "pmtiles-name", "", "file name for the PMTiles archive")
	return cmd
}

func runPackageStage(ctx context.Context, cfg *config.Config, pmtilesName string) error {
	mbtilesPath, err := findMBTiles(cfg.TempDir)
	if err != nil {
		return err
	}

	kind, err := tiling.Resolve(cfg)
	if err != nil {
		return err
	}
	credit := packaging.CreditFor(string(kind))

	if pmtilesName == "" {
		pmtilesName = fmt.Sprintf("planet_%d_%dz.pmtiles",
			cfg.Processing.GebcoYear, cfg.Processing.MaxZoom)
	}
	manager := packaging.NewManager(nil, dryRun())

	pmtilesPath, err := manager.ConvertToPMTiles(ctx, mbtilesPath,
		filepath.Join(cfg.OutputDir, pmtilesName))
	if err != nil {
		return err
	}

	info := packaging.TileInfo{
		Name: fmt.Sprintf("Planetile %d", cfg.Processing.GebcoYear),
		Description: fmt.Sprintf(
			"Global basemap composed from %s and GEBCO bathymetry.", credit.Label),
		Version: strconv.Itoa(cfg.Processing.GebcoYear),
		Attribution: fmt.Sprintf(
			"%s Bathymetry: GEBCO %d. Masks: Natural Earth %s.",
			credit.Attribution, cfg.Processing.GebcoYear, cfg.Processing.NaturalEarthScale),
		Bounds:  tiling.GlobalBounds,
		Center:  [3]float64{0, 0, 2},
		MinZoom: cfg.Processing.MinZoom,
		MaxZoom: cfg.Processing.MaxZoom,
		Format:  strings.ToLower(cfg.Processing.TileFormat),
		Scheme:  "xyz",
	}
	tilejsonPath, err := manager.GenerateTileJSON(pmtilesPath, info, "")
	if err != nil {
		return err
	}

	if err := manager.Verify(pmtilesPath, info); err != nil {
		return err
	}

	distributionDir, err := manager.CreateDistribution(
		pmtilesPath, tilejsonPath, manifestPath(cfg),
		packaging.LicenseText(credit), cfg.DistributionDir())
	if err != nil {
		return err
	}

	logger.Success("package stage complete", logger.Fields{
		"mbtiles":      mbtilesPath,
		"pmtiles":      pmtilesPath,
		"tilejson":     tilejsonPath,
		"distribution": distributionDir,
	})
	return nil
}

// findMBTiles picks the newest-named MBTiles archive the tile stage left in
// the temp directory.
func findMBTiles(tempDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(tempDir, "*.mbtiles"))
	if err != nil {
		return "", errors.Wrap(err, "failed to list MBTiles archives")
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(errors.ErrArtifactMissing,
			"no MBTiles archive found under %s; run the tile stage first", tempDir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
