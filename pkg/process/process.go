package process

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/archive"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/memo"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// Manager turns raw acquired assets into tiling-ready rasters by driving
// external GDAL commands. Expensive operations are memoized on the MD5 of
// their inputs, so reruns skip work whose sources have not changed.
type Manager struct {
	cfg           config.ProcessingConfig
	copernicus    config.CopernicusConfig
	modis         config.ModisConfig
	viirs         config.ViirsConfig
	tempDir       string
	processingDir string
	dataDir       string
	run           runner.Runner
	recorder      *memo.Recorder
	archiver      *archive.Manager
	dryRun        bool
}

// Options wire a Manager against the pipeline's directory layout and
// command executor.
type Options struct {
	Copernicus    config.CopernicusConfig
	Modis         config.ModisConfig
	Viirs         config.ViirsConfig
	TempDir       string
	ProcessingDir string
	DataDir       string
	Runner        runner.Runner
	DryRun        bool
}

// NewManager creates the processing manager and its working directories.
func NewManager(cfg config.ProcessingConfig, opts Options) (*Manager, error) {
	for _, dir := range []string{opts.TempDir, opts.ProcessingDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	run := opts.Runner
	if run == nil {
		run = runner.New(opts.DryRun)
	}
	return &Manager{
		cfg:           cfg,
		copernicus:    opts.Copernicus,
		modis:         opts.Modis,
		viirs:         opts.Viirs,
		tempDir:       opts.TempDir,
		processingDir: opts.ProcessingDir,
		dataDir:       opts.DataDir,
		run:           run,
		recorder:      memo.NewRecorder(opts.DryRun),
		archiver:      archive.NewManager(),
		dryRun:        opts.DryRun,
	}, nil
}

// ProcessingDir is where finished intermediate rasters land; the tiling
// stage selects its input from here.
func (m *Manager) ProcessingDir() string { return m.processingDir }

// ComposeBMNGPanels mosaics the eight Blue Marble panels into one raster.
// A single panel is passed through untouched.
func (m *Manager) ComposeBMNGPanels(ctx context.Context, panelDir string) (string, error) {
	panels, err := filepath.Glob(filepath.Join(panelDir, "*.tif"))
	if err != nil {
		return "", errors.Wrap(err, "failed to scan panel directory")
	}
	sort.Strings(panels)
	if len(panels) == 0 {
		return "", errors.Wrapf(errors.ErrArtifactMissing, "no TIFF panels found in %s", panelDir)
	}
	if len(panels) == 1 {
		logger.Info("single BMNG panel detected; skipping mosaic")
		return panels[0], nil
	}

	listPath := filepath.Join(m.tempDir, "bmng_panels.txt")
	if err := writeFileList(listPath, panels); err != nil {
		return "", err
	}
	vrtPath := filepath.Join(m.tempDir, "bmng_panels.vrt")
	if err := m.run.Run(ctx, runner.Command{
		Description: "assemble BMNG panels into VRT",
		Args:        []string{"gdalbuildvrt", "-input_file_list", listPath, vrtPath},
	}); err != nil {
		return "", err
	}

	mosaicPath := filepath.Join(m.processingDir, "bmng_mosaic.tif")
	if err := m.run.Run(ctx, runner.Command{
		Description: "convert BMNG VRT mosaic to GeoTIFF",
		Args: []string{
			"gdal_translate", vrtPath, mosaicPath,
			"-co", "TILED=YES",
			"-co", "COMPRESS=DEFLATE",
		},
	}); err != nil {
		return "", err
	}
	return mosaicPath, nil
}

// NormalizeBMNG assigns the geographic reference and rewrites the mosaic as
// a tiled GeoTIFF. sourceFiles, when given, become the memoization roles;
// otherwise the input itself is the only source.
func (m *Manager) NormalizeBMNG(ctx context.Context, inputPath string, sourceFiles []string) (string, error) {
	output := filepath.Join(m.processingDir, stem(inputPath)+"_normalized.tif")
	sidecar := memo.SidecarPath(output)

	declared, err := m.bmngSources(inputPath, sourceFiles)
	if err != nil {
		return "", err
	}
	if m.recorder.ShouldReuse(output, sidecar, declared) {
		logger.Info("reusing normalized BMNG raster", logger.Fields{"output": output})
		return output, nil
	}

	args := []string{
		"gdal_translate",
		"-of", "GTiff",
		"-a_srs", "EPSG:4326",
	}
	// color_enhancement > 1 brightens via a sub-unity exponent on the
	// full 0-255 scale; 1 (or unset) is a plain copy.
	if enhancement := m.cfg.ColorEnhancement; enhancement > 0 && enhancement != 1 {
		args = append(args,
			"-scale", "0", "255", "0", "255",
			"-exponent", formatOpacity(1/enhancement),
		)
	}
	args = append(args,
		"-co", "TILED=YES",
		"-co", "COMPRESS=DEFLATE",
		inputPath, output,
	)
	if err := m.run.Run(ctx, runner.Command{
		Description: "normalize BMNG raster",
		Args:        args,
	}); err != nil {
		return "", err
	}
	m.recorder.Record(sidecar, declared)
	return output, nil
}

// GenerateHillshade renders the GEBCO bathymetry grid as a hillshade.
func (m *Manager) GenerateHillshade(ctx context.Context, gebcoPath string) (string, error) {
	output := filepath.Join(m.processingDir, stem(gebcoPath)+"_hillshade.tif")
	sidecar := memo.SidecarPath(output)
	declared := map[string]string{"gebco": gebcoPath}

	if m.recorder.ShouldReuse(output, sidecar, declared) {
		logger.Info("reusing GEBCO hillshade", logger.Fields{"output": output})
		return output, nil
	}

	if err := m.run.Run(ctx, runner.Command{
		Description: "generate GEBCO hillshade",
		Args: []string{
			"gdaldem", "hillshade",
			"-az", "315",
			"-alt", "45",
			"-compute_edges",
			gebcoPath, output,
		},
	}); err != nil {
		return "", err
	}
	m.recorder.Record(sidecar, declared)
	return output, nil
}

// CreateMasks extracts the Natural Earth archives into the working
// directory. naturalEarthPath is either one zip or a directory of zips.
func (m *Manager) CreateMasks(ctx context.Context, naturalEarthPath string) (string, error) {
	destination := filepath.Join(m.tempDir, "natural_earth")
	if err := fsutil.EnsureDir(destination); err != nil {
		return "", err
	}
	sidecar := memo.SidecarPath(destination)

	archives, err := naturalEarthArchives(naturalEarthPath)
	if err != nil {
		return "", err
	}
	declared := make(map[string]string, len(archives))
	for _, path := range archives {
		declared[filepath.Base(path)] = path
	}
	if m.recorder.ShouldReuse(destination, sidecar, declared) {
		logger.Info("reusing Natural Earth masks", logger.Fields{"destination": destination})
		return destination, nil
	}

	for _, path := range archives {
		target := destination
		if len(archives) > 1 {
			target = filepath.Join(destination, stem(path))
		}
		logger.Info("extracting archive", logger.Fields{"archive": path, "destination": target})
		if err := m.archiver.ExtractAll(ctx, path, target); err != nil {
			return "", err
		}
	}
	m.recorder.Record(sidecar, declared)
	return destination, nil
}

// CreateCOG rewrites a raster as a Cloud Optimized GeoTIFF.
func (m *Manager) CreateCOG(ctx context.Context, rasterPath string) (string, error) {
	output := filepath.Join(m.processingDir, stem(rasterPath)+"_cog.tif")
	if err := m.run.Run(ctx, runner.Command{
		Description: "create Cloud Optimized GeoTIFF",
		Args: []string{
			"gdal_translate",
			"-of", "COG",
			"-co", "COMPRESS=JPEG",
			"-co", "QUALITY=95",
			rasterPath, output,
		},
	}); err != nil {
		return "", err
	}
	return output, nil
}

// BlendLayers mixes an overlay into a base raster at the given opacity,
// clamped to [0, 1].
func (m *Manager) BlendLayers(ctx context.Context, base, overlay string, opacity float64) (string, error) {
	if opacity < 0 {
		opacity = 0
	}
	if opacity > 1 {
		opacity = 1
	}
	output := filepath.Join(m.processingDir, stem(base)+"_blended.tif")
	expr := fmt.Sprintf("A*(1-%s)+B*(%s)", formatOpacity(opacity), formatOpacity(opacity))
	if err := m.run.Run(ctx, runner.Command{
		Description: "blend base and overlay rasters",
		Args: []string{
			"gdal_calc.py",
			"-A", base,
			"-B", overlay,
			"--A_band=1",
			"--B_band=1",
			"--calc", expr,
			"--format", "GTiff",
			"--outfile", output,
		},
	}); err != nil {
		return "", err
	}
	return output, nil
}

func (m *Manager) bmngSources(inputPath string, sourceFiles []string) (map[string]string, error) {
	if len(sourceFiles) > 0 {
		return memo.Roles("bmng_panel", sourceFiles)
	}
	abs, err := filepath.Abs(inputPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", inputPath)
	}
	return map[string]string{"bmng_panel": abs}, nil
}

// naturalEarthArchives resolves the zip archives behind a masks request.
func naturalEarthArchives(path string) ([]string, error) {
	if fsutil.IsDir(path) {
		archives, err := filepath.Glob(filepath.Join(path, "*.zip"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan Natural Earth directory")
		}
		if len(archives) == 0 {
			return nil, errors.Wrapf(errors.ErrArtifactMissing,
				"no Natural Earth ZIP archives found under %s", path)
		}
		sort.Strings(archives)
		return archives, nil
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return []string{path}, nil
	}
	return nil, errors.Wrapf(errors.ErrArtifactMissing, "unsupported Natural Earth input: %s", path)
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeFileList(path string, files []string) error {
	var sb strings.Builder
	for _, file := range files {
		sb.WriteString(file)
		sb.WriteString("\n")
	}
	if err := fsutil.WriteFile(path, []byte(sb.String())); err != nil {
		return errors.Wrapf(err, "failed to write file list %s", path)
	}
	return nil
}

func formatOpacity(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
