package tiling

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// WebMercator world extent in meters.
const originShift = 20037508.342789244

// GlobalBounds is the full WebMercator-visible extent in degrees.
var GlobalBounds = [4]float64{-180.0, -85.0511, 180.0, 85.0511}

var overviewResamplings = map[string]bool{
	"nearest":     true,
	"average":     true,
	"gauss":       true,
	"cubic":       true,
	"cubicspline": true,
	"lanczos":     true,
	"mode":        true,
}

// Manager drives the raster → XYZ → MBTiles → PMTiles conversion chain
// through external commands.
type Manager struct {
	cfg       config.ProcessingConfig
	tempDir   string
	outputDir string
	run       runner.Runner
	dryRun    bool
}

// NewManager creates the tiling manager and its working directories.
func NewManager(cfg config.ProcessingConfig, tempDir, outputDir string, run runner.Runner, dryRun bool) (*Manager, error) {
	for _, dir := range []string{tempDir, outputDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	if run == nil {
		run = runner.New(dryRun)
	}
	return &Manager{
		cfg:       cfg,
		tempDir:   tempDir,
		outputDir: outputDir,
		run:       run,
		dryRun:    dryRun,
	}, nil
}

// Reproject warps a raster onto the full WebMercator extent as a VRT sized
// for the configured maximum zoom.
func (m *Manager) Reproject(ctx context.Context, inputPath string) (string, error) {
	output := filepath.Join(m.tempDir, stem(inputPath)+"_3857.vrt")
	if !m.dryRun {
		_ = os.Remove(output)
	}
	tileDimension := 256 * (1 << m.cfg.MaxZoom)

	worldMin := strconv.FormatFloat(-originShift, 'f', -1, 64)
	worldMax := strconv.FormatFloat(originShift, 'f', -1, 64)
	if err := m.run.Run(ctx, runner.Command{
		Description: "reproject raster to EPSG:3857",
		Args: []string{
			"gdalwarp",
			"-t_srs", "EPSG:3857",
			"-r", "bilinear",
			"-multi",
			"-dstalpha",
			"-te", worldMin, worldMin, worldMax, worldMax,
			"-te_srs", "EPSG:3857",
			"-ts", strconv.Itoa(tileDimension), strconv.Itoa(tileDimension),
			"-overwrite",
			"-of", "VRT",
			inputPath, output,
		},
	}); err != nil {
		return "", err
	}
	return output, nil
}

// BuildZXY materializes a WebMercator XYZ pyramid with gdal raster tile.
// A failure with a non-bilinear resampling is retried once with bilinear,
// which some format and overview combinations require.
func (m *Manager) BuildZXY(ctx context.Context, sourcePath string) (string, error) {
	zxyDir := filepath.Join(m.tempDir,
		fmt.Sprintf("%s_%d-%d_zxy", stem(sourcePath), m.cfg.MinZoom, m.cfg.MaxZoom))
	if !m.dryRun {
		if err := os.RemoveAll(zxyDir); err != nil {
			return "", errors.Wrapf(err, "failed to clear %s", zxyDir)
		}
		if err := fsutil.EnsureDir(zxyDir); err != nil {
			return "", err
		}
	}

	format, err := gdalTileFormat(m.cfg.TileFormat)
	if err != nil {
		return "", err
	}
	resampling := m.cfg.Resampling
	if resampling == "" {
		resampling = "bilinear"
	}

	args := []string{
		"gdal", "raster", "tile",
		"-i", sourcePath,
		"-o", zxyDir,
		"--tiling-scheme", "WebMercatorQuad",
		"--convention", "xyz",
		"--min-zoom", strconv.Itoa(m.cfg.MinZoom),
		"--max-zoom", strconv.Itoa(m.cfg.MaxZoom),
		"-f", format,
		"-r", resampling,
		"--overview-resampling", resampling,
	}
	if format == "JPEG" || format == "WEBP" {
		args = append(args, "--co", fmt.Sprintf("QUALITY=%d", m.cfg.TileQuality))
	}

	err = m.run.Run(ctx, runner.Command{
		Description: "build XYZ tiles via gdal raster tile",
		Args:        args,
	})
	if err != nil && resampling != "bilinear" && stderrors.Is(err, errors.ErrCommandFailed) {
		logger.Warn("retrying gdal raster tile with bilinear resampling", logger.Fields{
			"resampling": resampling,
		})
		retry := replaceResampling(args, "bilinear")
		err = m.run.Run(ctx, runner.Command{
			Description: "build XYZ tiles via gdal raster tile (bilinear retry)",
			Args:        retry,
		})
	}
	if err != nil {
		return "", err
	}
	return zxyDir, nil
}

// PackMBTiles writes the metadata sidecar into the XYZ directory and packs
// it into an MBTiles archive with mb-util.
func (m *Manager) PackMBTiles(ctx context.Context, zxyDir, sourcePath string) (string, error) {
	metadata := m.BuildMetadata(GlobalBounds)
	if !m.dryRun {
		payload, err := json.Marshal(metadata.ToMap())
		if err != nil {
			return "", errors.Wrap(err, "failed to encode tile metadata")
		}
		if err := fsutil.WriteFile(filepath.Join(zxyDir, "metadata.json"), payload); err != nil {
			return "", err
		}
	}

	mbtilesPath := filepath.Join(m.tempDir,
		fmt.Sprintf("%s_%d-%d.mbtiles", stem(sourcePath), m.cfg.MinZoom, m.cfg.MaxZoom))
	if !m.dryRun {
		_ = os.Remove(mbtilesPath)
	}

	if err := m.run.Run(ctx, runner.Command{
		Description: "package XYZ tiles into MBTiles",
		Args: []string{
			"mb-util",
			zxyDir,
			mbtilesPath,
			"--scheme=xyz",
			"--image_format=" + metadataFormat(m.cfg.TileFormat),
		},
	}); err != nil {
		return "", err
	}
	return mbtilesPath, nil
}

// ConvertPMTiles converts an MBTiles archive into PMTiles with the
// go-pmtiles CLI. Deduplication follows the configuration.
func (m *Manager) ConvertPMTiles(ctx context.Context, mbtilesPath string) (string, error) {
	pmtilesPath := filepath.Join(m.outputDir, stem(mbtilesPath)+".pmtiles")
	if !m.dryRun {
		_ = os.Remove(pmtilesPath)
	}

	args := []string{"pmtiles", "convert", mbtilesPath, pmtilesPath}
	if !m.cfg.PMTilesDedup {
		args = append(args, "--no-deduplication")
	}
	if err := m.run.Run(ctx, runner.Command{
		Description: "convert MBTiles to PMTiles",
		Args:        args,
	}); err != nil {
		return "", err
	}
	return pmtilesPath, nil
}

// OptimizeOverviews rebuilds an MBTiles archive's overview levels. Unknown
// resampling methods fall back to cubic.
func (m *Manager) OptimizeOverviews(ctx context.Context, mbtilesPath string) error {
	if m.dryRun {
		return nil
	}

	resampling := strings.ToLower(m.cfg.Resampling)
	if !overviewResamplings[resampling] {
		logger.Warn("unknown resampling method; defaulting to cubic", logger.Fields{
			"resampling": m.cfg.Resampling,
		})
		resampling = "cubic"
	}

	levels := overviewFactors(m.cfg.MaxZoom)
	if len(levels) == 0 {
		logger.Debug("no overview levels requested; skipping gdaladdo")
		return nil
	}

	args := append([]string{"gdaladdo", "-r", resampling, mbtilesPath}, levels...)
	return m.run.Run(ctx, runner.Command{
		Description: "build MBTiles overviews",
		Args:        args,
	})
}

// Metadata is the flat-string metadata.json payload mb-util consumes.
type Metadata struct {
	Name        string
	Format      string
	MinZoom     int
	MaxZoom     int
	Bounds      [4]float64
	Center      [2]float64
	CenterZoom  int
	Attribution string
}

// BuildMetadata derives the tileset metadata from configuration; the center
// is the bounds midpoint at the middle zoom.
func (m *Manager) BuildMetadata(bounds [4]float64) Metadata {
	centerZoom := m.cfg.MinZoom + (m.cfg.MaxZoom-m.cfg.MinZoom)/2
	if centerZoom < m.cfg.MinZoom {
		centerZoom = m.cfg.MinZoom
	}
	if centerZoom > m.cfg.MaxZoom {
		centerZoom = m.cfg.MaxZoom
	}
	return Metadata{
		Name:        m.cfg.TileName,
		Format:      metadataFormat(m.cfg.TileFormat),
		MinZoom:     m.cfg.MinZoom,
		MaxZoom:     m.cfg.MaxZoom,
		Bounds:      bounds,
		Center:      [2]float64{(bounds[0] + bounds[2]) / 2, (bounds[1] + bounds[3]) / 2},
		CenterZoom:  centerZoom,
		Attribution: m.cfg.TileAttribution,
	}
}

// ToMap renders the metadata as the flat string map mb-util expects, with
// bounds fixed to six decimals.
func (md Metadata) ToMap() map[string]string {
	bounds := make([]string, 0, 4)
	for _, v := range md.Bounds {
		bounds = append(bounds, strconv.FormatFloat(v, 'f', 6, 64))
	}
	center := strings.Join([]string{
		strconv.FormatFloat(md.Center[0], 'f', 6, 64),
		strconv.FormatFloat(md.Center[1], 'f', 6, 64),
		strconv.Itoa(md.CenterZoom),
	}, ",")
	return map[string]string{
		"name":        md.Name,
		"format":      md.Format,
		"minzoom":     strconv.Itoa(md.MinZoom),
		"maxzoom":     strconv.Itoa(md.MaxZoom),
		"bounds":      strings.Join(bounds, ","),
		"center":      center,
		"attribution": md.Attribution,
	}
}

func metadataFormat(tileFormat string) string {
	format := strings.ToLower(tileFormat)
	if format == "jpeg" || format == "jpg" {
		return "jpg"
	}
	return format
}

func gdalTileFormat(tileFormat string) (string, error) {
	switch strings.ToUpper(tileFormat) {
	case "JPG", "JPEG":
		return "JPEG", nil
	case "WEBP":
		return "WEBP", nil
	case "PNG":
		return "PNG", nil
	}
	return "", errors.Wrapf(errors.ErrConfigValidation,
		"unsupported tile format for gdal raster tile: %s", tileFormat)
}

// replaceResampling swaps every -r and --overview-resampling value in a
// copy of the argument list.
func replaceResampling(args []string, resampling string) []string {
	out := append([]string{}, args...)
	for i, arg := range out {
		if (arg == "-r" || arg == "--overview-resampling") && i+1 < len(out) {
			out[i+1] = resampling
		}
	}
	return out
}

func overviewFactors(maxZoom int) []string {
	if maxZoom < 1 {
		return nil
	}
	factors := make([]string, 0, maxZoom)
	for level := 1; level <= maxZoom; level++ {
		factors = append(factors, strconv.Itoa(1<<level))
	}
	return factors
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
