package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/geo"
	"github.com/glorpus-work/planetile/pkg/runner"
)

var copernicusTileExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// PrepareCopernicusLayers mosaics every configured layer's tile cache into a
// COG. A layer whose tiles are missing or whose mosaic fails is logged and
// skipped; the remaining layers still produce output.
func (m *Manager) PrepareCopernicusLayers(ctx context.Context, force bool) ([]string, error) {
	if !m.copernicus.Enabled || len(m.copernicus.Layers) == 0 {
		return nil, nil
	}

	tilesRoot := filepath.Join(m.dataDir, "copernicus", "tiles")
	if !fsutil.IsDir(tilesRoot) {
		return nil, errors.Wrapf(errors.ErrArtifactMissing,
			"copernicus tiles directory not found: %s", tilesRoot)
	}

	var outputs []string
	for _, layer := range m.copernicus.Layers {
		slug := layerSlug(layer)
		layerDir := filepath.Join(tilesRoot, slug)
		if !fsutil.IsDir(layerDir) {
			logger.Warn("copernicus layer tiles missing", logger.Fields{
				"layer": layer.Name,
				"path":  layerDir,
			})
			continue
		}
		cog, err := m.buildCopernicusCOG(ctx, layerDir, layer, force)
		if err != nil {
			if ctx.Err() != nil {
				return outputs, err
			}
			logger.Warn("copernicus layer processing failed", logger.Fields{
				"layer": layer.Name,
				"error": err.Error(),
			})
			continue
		}
		outputs = append(outputs, cog)
	}
	return outputs, nil
}

type copernicusTile struct {
	path string
	tile geo.Tile
}

// buildCopernicusCOG georeferences each cached tile into a VRT, mosaics the
// VRTs, and converts the mosaic to a COG named after the layer slug.
func (m *Manager) buildCopernicusCOG(ctx context.Context, layerDir string, layer config.CopernicusLayer, force bool) (string, error) {
	tiles, err := collectCopernicusTiles(layerDir, m.copernicus.MinZoom, m.copernicus.MaxZoom)
	if err != nil {
		return "", err
	}
	if len(tiles) == 0 {
		return "", errors.Wrapf(errors.ErrArtifactMissing, "no tiles found under %s", layerDir)
	}

	slug := layerSlug(layer)
	vrtDir := filepath.Join(m.tempDir, "copernicus_vrts", slug)
	if err := fsutil.EnsureDir(vrtDir); err != nil {
		return "", err
	}

	vrtPaths := make([]string, 0, len(tiles))
	for _, t := range tiles {
		vrtPath := filepath.Join(vrtDir, fmt.Sprintf("%d_%d_%d.vrt", t.tile.Z, t.tile.X, t.tile.Y))
		if force || !fileExists(vrtPath) {
			minx, miny, maxx, maxy := geo.TileBoundsMercator(t.tile)
			if err := m.run.Run(ctx, runner.Command{
				Description: "georeference copernicus tile",
				Args: []string{
					"gdal_translate",
					"-of", "VRT",
					"-a_srs", "EPSG:3857",
					"-a_ullr",
					formatCoord(minx), formatCoord(maxy),
					formatCoord(maxx), formatCoord(miny),
					t.path, vrtPath,
				},
			}); err != nil {
				return "", err
			}
		}
		vrtPaths = append(vrtPaths, vrtPath)
	}

	listPath := filepath.Join(vrtDir, "inputs.txt")
	if err := writeFileList(listPath, vrtPaths); err != nil {
		return "", err
	}

	mosaicVRT := filepath.Join(m.tempDir, fmt.Sprintf("copernicus_%s_mosaic.vrt", slug))
	if force && !m.dryRun {
		_ = os.Remove(mosaicVRT)
	}
	if force || !fileExists(mosaicVRT) {
		if err := m.run.Run(ctx, runner.Command{
			Description: "build Copernicus mosaic VRT",
			Args:        []string{"gdalbuildvrt", "-input_file_list", listPath, mosaicVRT},
		}); err != nil {
			return "", err
		}
	}

	cogPath := filepath.Join(m.processingDir, fmt.Sprintf("copernicus_%s_cog.tif", slug))
	if force && !m.dryRun {
		_ = os.Remove(cogPath)
	}
	args := []string{
		"gdal_translate",
		"-of", "COG",
		"-co", "COMPRESS=" + compressionForFormat(layer.Format),
		"-co", "BLOCKSIZE=512",
		"-co", "NUM_THREADS=ALL_CPUS",
	}
	if strings.EqualFold(layer.Format, "image/jpeg") {
		args = append(args, "-co", "QUALITY=90")
	}
	args = append(args, mosaicVRT, cogPath)
	if err := m.run.Run(ctx, runner.Command{
		Description: "convert Copernicus mosaic to COG",
		Args:        args,
	}); err != nil {
		return "", err
	}
	return cogPath, nil
}

// collectCopernicusTiles walks the z/x/y.ext cache layout in deterministic
// order, ignoring entries that do not parse as tile coordinates.
func collectCopernicusTiles(layerDir string, minZoom, maxZoom int) ([]copernicusTile, error) {
	var tiles []copernicusTile
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		zoomDir := filepath.Join(layerDir, strconv.Itoa(zoom))
		xEntries, err := os.ReadDir(zoomDir)
		if err != nil {
			continue
		}
		sort.Slice(xEntries, func(i, j int) bool { return xEntries[i].Name() < xEntries[j].Name() })
		for _, xEntry := range xEntries {
			if !xEntry.IsDir() {
				continue
			}
			x, err := strconv.Atoi(xEntry.Name())
			if err != nil {
				continue
			}
			xDir := filepath.Join(zoomDir, xEntry.Name())
			files, err := os.ReadDir(xDir)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read %s", xDir)
			}
			sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
			for _, file := range files {
				if file.IsDir() {
					continue
				}
				ext := strings.ToLower(filepath.Ext(file.Name()))
				if !copernicusTileExtensions[ext] {
					continue
				}
				y, err := strconv.Atoi(strings.TrimSuffix(file.Name(), filepath.Ext(file.Name())))
				if err != nil {
					continue
				}
				tiles = append(tiles, copernicusTile{
					path: filepath.Join(xDir, file.Name()),
					tile: geo.Tile{Z: zoom, X: x, Y: y},
				})
			}
		}
	}
	return tiles, nil
}

var layerSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func layerSlug(layer config.CopernicusLayer) string {
	value := layer.Output
	if value == "" {
		value = layer.Name
	}
	slug := strings.Trim(layerSlugPattern.ReplaceAllString(strings.ToLower(value), "_"), "_")
	if slug == "" {
		return "layer"
	}
	return slug
}

func compressionForFormat(format string) string {
	switch strings.ToLower(format) {
	case "image/jpeg", "image/jpg":
		return "JPEG"
	default:
		return "DEFLATE"
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
