package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/geo"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// GSISource builds a clipped orthophoto mosaic from an XYZ tile service:
// fetch every tile covering the requested extent, georeference each into a
// VRT, mosaic, and warp to the output COG. In dry-run mode it reports the
// tile URL list without fetching anything.
type GSISource struct {
	cfg        config.GSIConfig
	run        runner.Runner
	manager    *download.Manager
	outputPath string
	httpClient *http.Client
	dryRun     bool
}

// NewGSISource wires the XYZ mosaic source.
func NewGSISource(cfg config.GSIConfig, run runner.Runner, manager *download.Manager, outputPath string, dryRun bool) *GSISource {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GSISource{
		cfg:        cfg,
		run:        run,
		manager:    manager,
		outputPath: outputPath,
		httpClient: &http.Client{Timeout: timeout},
		dryRun:     dryRun,
	}
}

func (s *GSISource) Name() string { return "gsi_orthophotos" }

func (s *GSISource) Acquire(ctx context.Context) (Summary, error) {
	bbox, err := geo.BBoxAroundPoint(s.cfg.Lat, s.cfg.Lon, s.cfg.WidthM, s.cfg.HeightM)
	if err != nil {
		return nil, err
	}

	tileRange := geo.TilesForBBox(bbox, s.cfg.Zoom)
	if tileRange.Count() == 0 {
		return nil, errors.Wrap(errors.ErrTileFetch, "no tiles intersect the requested area")
	}

	urls := s.tileURLs(tileRange)
	logger.Info("orthophoto fetch request", logger.Fields{
		"lat":   s.cfg.Lat,
		"lon":   s.cfg.Lon,
		"zoom":  s.cfg.Zoom,
		"tiles": len(urls),
	})

	if s.dryRun {
		return Summary{
			"dry_run": true,
			"tiles":   len(urls),
			"urls":    urls,
			"output":  s.outputPath,
		}, nil
	}

	if err := fsutil.EnsureFileDir(s.outputPath); err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "planetile_gsi_")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create working directory")
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	tiles, err := s.downloadTiles(ctx, workDir, tileRange)
	if err != nil {
		return nil, err
	}
	if err := s.georeference(ctx, tiles); err != nil {
		return nil, err
	}

	mosaicVRT := filepath.Join(workDir, "mosaic.vrt")
	if err := s.buildMosaic(ctx, workDir, tiles, mosaicVRT); err != nil {
		return nil, err
	}
	if err := s.warp(ctx, mosaicVRT, bbox); err != nil {
		return nil, err
	}

	if err := s.register(); err != nil {
		return nil, err
	}

	return Summary{
		"output": s.outputPath,
		"zoom":   s.cfg.Zoom,
		"tiles":  len(tiles),
		"bbox":   []float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat},
	}, nil
}

type gsiTile struct {
	tile    geo.Tile
	path    string
	vrtPath string
}

func (s *GSISource) tileURLs(tileRange geo.TileRange) []string {
	urls := make([]string, 0, tileRange.Count())
	for x := tileRange.MinX; x <= tileRange.MaxX; x++ {
		for y := tileRange.MinY; y <= tileRange.MaxY; y++ {
			urls = append(urls, s.tileURL(geo.Tile{Z: s.cfg.Zoom, X: x, Y: y}))
		}
	}
	return urls
}

func (s *GSISource) tileURL(t geo.Tile) string {
	replacer := strings.NewReplacer(
		"{z}", fmt.Sprintf("%d", t.Z),
		"{x}", fmt.Sprintf("%d", t.X),
		"{y}", fmt.Sprintf("%d", t.Y),
	)
	return replacer.Replace(s.cfg.TileTemplate)
}

// downloadTiles fetches every tile in the range. A single missing tile is
// fatal: a mosaic with holes is worse than no mosaic.
func (s *GSISource) downloadTiles(ctx context.Context, workDir string, tileRange geo.TileRange) ([]gsiTile, error) {
	tiles := make([]gsiTile, 0, tileRange.Count())
	for x := tileRange.MinX; x <= tileRange.MaxX; x++ {
		for y := tileRange.MinY; y <= tileRange.MaxY; y++ {
			t := geo.Tile{Z: s.cfg.Zoom, X: x, Y: y}
			url := s.tileURL(t)
			ext := strings.TrimPrefix(filepath.Ext(url), ".")
			if ext == "" {
				ext = "jpg"
			}
			tilePath := filepath.Join(workDir, fmt.Sprintf("%d_%d_%d.%s", t.Z, t.X, t.Y, ext))

			if err := s.fetchTile(ctx, url, tilePath); err != nil {
				return nil, err
			}
			tiles = append(tiles, gsiTile{
				tile:    t,
				path:    tilePath,
				vrtPath: strings.TrimSuffix(tilePath, filepath.Ext(tilePath)) + ".vrt",
			})
		}
	}
	return tiles, nil
}

func (s *GSISource) fetchTile(ctx context.Context, url, tilePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build tile request")
	}
	req.Header.Set("User-Agent", "planetile/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(errors.ErrTileFetch, "%s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrTileFetch, "%s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(errors.ErrTileFetch, "%s: %v", url, err)
	}
	return os.WriteFile(tilePath, data, fsutil.FileModeDefault)
}

// georeference wraps each raw tile into a VRT carrying its WebMercator
// extent.
func (s *GSISource) georeference(ctx context.Context, tiles []gsiTile) error {
	for _, t := range tiles {
		minx, miny, maxx, maxy := geo.TileBoundsMercator(t.tile)
		cmd := runner.Command{
			Description: "georeference orthophoto tile",
			Args: []string{
				"gdal_translate",
				"-of", "VRT",
				"-a_srs", "EPSG:3857",
				"-a_ullr",
				formatFloat(minx), formatFloat(maxy),
				formatFloat(maxx), formatFloat(miny),
				t.path,
				t.vrtPath,
			},
		}
		if err := s.run.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (s *GSISource) buildMosaic(ctx context.Context, workDir string, tiles []gsiTile, mosaicVRT string) error {
	listPath := filepath.Join(workDir, "tiles.txt")
	var sb strings.Builder
	for _, t := range tiles {
		sb.WriteString(t.vrtPath)
		sb.WriteString("\n")
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), fsutil.FileModeDefault); err != nil {
		return errors.Wrap(err, "failed to write tile list")
	}

	return s.run.Run(ctx, runner.Command{
		Description: "build orthophoto mosaic",
		Args: []string{
			"gdalbuildvrt",
			"-input_file_list", listPath,
			mosaicVRT,
		},
	})
}

func (s *GSISource) warp(ctx context.Context, mosaicVRT string, bbox geo.BBox) error {
	return s.run.Run(ctx, runner.Command{
		Description: "warp orthophoto mosaic to output extent",
		Args: []string{
			"gdalwarp",
			"-overwrite",
			"-t_srs", "EPSG:4326",
			"-te",
			formatFloat(bbox.MinLon), formatFloat(bbox.MinLat),
			formatFloat(bbox.MaxLon), formatFloat(bbox.MaxLat),
			"-te_srs", "EPSG:4326",
			"-r", "cubic",
			"-of", "COG",
			"-co", "COMPRESS=JPEG",
			"-co", "QUALITY=95",
			"-co", "BLOCKSIZE=512",
			mosaicVRT,
			s.outputPath,
		},
	})
}

func (s *GSISource) register() error {
	digest, err := download.SHA256Of(s.outputPath)
	if err != nil {
		return err
	}
	assetID := "gsi_" + strings.TrimSuffix(filepath.Base(s.outputPath), filepath.Ext(s.outputPath))
	s.manager.Register(assetID, &download.Result{
		Record: &catalog.Record{
			ID:        assetID,
			Name:      "GSI seamless orthophoto mosaic",
			MediaType: "image/tiff",
		},
		Path:   s.outputPath,
		URL:    s.cfg.TileTemplate,
		SHA256: digest,
		Size:   fileSize(s.outputPath),
	})
	return nil
}
