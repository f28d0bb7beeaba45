package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// rgbProduct describes how one reflectance product maps its bands onto an
// RGB composite and how the raw values are stretched to bytes.
type rgbProduct struct {
	slug     string
	bands    map[string]string // red/green/blue -> layer name
	scaleMin float64
	scaleMax float64
	gamma    float64
}

// PrepareModisRGB mosaics the extracted MODIS band rasters for a date into
// a true-color RGB COG.
func (m *Manager) PrepareModisRGB(ctx context.Context, modisRoot string, tiles []string, dateCode string) (string, error) {
	return m.prepareRGBProduct(ctx, modisRoot, tiles, dateCode, rgbProduct{
		slug: "modis",
		bands: map[string]string{
			"red":   "Nadir_Reflectance_Band1",
			"green": "Nadir_Reflectance_Band4",
			"blue":  "Nadir_Reflectance_Band3",
		},
		scaleMin: m.modis.ScaleMin,
		scaleMax: m.modis.ScaleMax,
		gamma:    m.modis.Gamma,
	})
}

// PrepareViirsRGB mosaics VIIRS imagery bands into an RGB COG. Collection 2
// and later products suffix the band names with the layer index.
func (m *Manager) PrepareViirsRGB(ctx context.Context, viirsRoot string, tiles []string, dateCode string) (string, error) {
	bands := map[string]string{
		"red":   "SurfReflect_I1",
		"green": "SurfReflect_I2",
		"blue":  "SurfReflect_I3",
	}
	product := strings.TrimSpace(m.viirs.Product)
	if strings.HasSuffix(product, ".002") || strings.HasSuffix(product, ".003") {
		bands = map[string]string{
			"red":   "SurfReflect_I1_1",
			"green": "SurfReflect_I2_1",
			"blue":  "SurfReflect_I3_1",
		}
	}
	return m.prepareRGBProduct(ctx, viirsRoot, tiles, dateCode, rgbProduct{
		slug:     "viirs",
		bands:    bands,
		scaleMin: m.viirs.ScaleMin,
		scaleMax: m.viirs.ScaleMax,
		gamma:    m.viirs.Gamma,
	})
}

// prepareRGBProduct locates each tile's band rasters, mosaics the bands
// separately, stacks them into an RGB VRT, and stretches the result to a
// byte-range GeoTIFF before COG conversion.
func (m *Manager) prepareRGBProduct(ctx context.Context, productRoot string, tiles []string, dateCode string, product rgbProduct) (string, error) {
	if len(tiles) == 0 {
		return "", errors.Wrapf(errors.ErrArtifactMissing, "no %s tiles provided for processing", product.slug)
	}

	bandFiles := map[string][]string{}
	for _, tile := range tiles {
		tileDir := filepath.Join(productRoot, tile)
		if !dirExists(tileDir) {
			return "", errors.Wrapf(errors.ErrArtifactMissing,
				"%s tile directory not found: %s", product.slug, tileDir)
		}
		dataDir := resolveTileDataDir(tileDir)
		for key, band := range product.bands {
			pattern := filepath.Join(dataDir, fmt.Sprintf("*%s_doy%s*.tif", band, dateCode))
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return "", errors.Wrapf(err, "failed to scan %s", dataDir)
			}
			if len(matches) == 0 {
				return "", errors.Wrapf(errors.ErrArtifactMissing,
					"band %s not found in %s for tile %s", band, dataDir, tile)
			}
			sort.Strings(matches)
			bandFiles[key] = append(bandFiles[key], matches...)
		}
	}

	vrtPaths := map[string]string{}
	for _, key := range []string{"red", "green", "blue"} {
		listPath := filepath.Join(m.tempDir, fmt.Sprintf("%s_%s_tiles.txt", product.slug, key))
		if err := writeFileList(listPath, bandFiles[key]); err != nil {
			return "", err
		}
		vrtPath := filepath.Join(m.tempDir, fmt.Sprintf("%s_%s_mosaic.vrt", product.slug, key))
		if err := m.run.Run(ctx, runner.Command{
			Description: fmt.Sprintf("mosaic %s %s band", product.slug, key),
			Args:        []string{"gdalbuildvrt", "-input_file_list", listPath, vrtPath},
		}); err != nil {
			return "", err
		}
		vrtPaths[key] = vrtPath
	}

	rgbVRT := filepath.Join(m.tempDir, product.slug+"_rgb.vrt")
	if err := m.run.Run(ctx, runner.Command{
		Description: fmt.Sprintf("combine %s bands into RGB VRT", product.slug),
		Args: []string{
			"gdalbuildvrt", "-separate", rgbVRT,
			vrtPaths["red"], vrtPaths["green"], vrtPaths["blue"],
		},
	}); err != nil {
		return "", err
	}

	rgbTIF := filepath.Join(m.processingDir, fmt.Sprintf("%s_%s_rgb.tif", product.slug, dateCode))
	args := []string{
		"gdal_translate",
		"-of", "GTiff",
		"-co", "TILED=YES",
		"-co", "COMPRESS=DEFLATE",
		"-co", "PHOTOMETRIC=RGB",
		"-ot", "Byte",
		"-scale", formatScale(product.scaleMin), formatScale(product.scaleMax), "0", "255",
	}
	if product.gamma != 0 && product.gamma != 1.0 {
		args = append(args, "-exponent", formatScale(product.gamma))
	}
	args = append(args, "-a_nodata", "0", rgbVRT, rgbTIF)
	if err := m.run.Run(ctx, runner.Command{
		Description: fmt.Sprintf("convert %s RGB mosaic to GeoTIFF", product.slug),
		Args:        args,
	}); err != nil {
		return "", err
	}

	return m.CreateCOG(ctx, rgbTIF)
}

// resolveTileDataDir descends one level when the tile directory wraps its
// rasters in a dated subdirectory, as extracted bundles do.
func resolveTileDataDir(tileDir string) string {
	entries, err := os.ReadDir(tileDir)
	if err != nil {
		return tileDir
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) == 0 {
		return tileDir
	}
	sort.Strings(dirs)
	return filepath.Join(tileDir, dirs[0])
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func formatScale(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
