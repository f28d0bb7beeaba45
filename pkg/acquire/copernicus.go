package acquire

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/geo"
)

// Copernicus Data Space endpoints.
const (
	CopernicusTokenEndpoint      = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	copernicusWMSEndpointPattern = "https://sh.dataspace.copernicus.eu/ogc/wms/%s"
)

var formatExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// CopernicusCredentials hold the values required for CDSE access.
type CopernicusCredentials struct {
	InstanceID   string
	ClientID     string
	ClientSecret string
}

// CopernicusCredentialsFromEnv reads COPERNICUS_INSTANCE_ID,
// COPERNICUS_CLIENT_ID, and COPERNICUS_CLIENT_SECRET.
func CopernicusCredentialsFromEnv() (CopernicusCredentials, error) {
	creds := CopernicusCredentials{
		InstanceID:   os.Getenv("COPERNICUS_INSTANCE_ID"),
		ClientID:     os.Getenv("COPERNICUS_CLIENT_ID"),
		ClientSecret: os.Getenv("COPERNICUS_CLIENT_SECRET"),
	}
	if creds.InstanceID == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return CopernicusCredentials{}, errors.Wrap(errors.ErrMissingSecrets,
			"COPERNICUS_INSTANCE_ID, COPERNICUS_CLIENT_ID, and COPERNICUS_CLIENT_SECRET must be set")
	}
	return creds, nil
}

// CopernicusSource mirrors WMS layers into an XYZ tile cache by iterating
// the zoom/x/y cartesian product over the configured bbox. Per-tile failures
// are counted, not fatal; a layer-level tile cap stops fetching early and is
// recorded in the summary.
type CopernicusSource struct {
	cfg           config.CopernicusConfig
	creds         CopernicusCredentials
	destDir       string
	force         bool
	dryRun        bool
	httpClient    *http.Client
	tokenEndpoint string
	wmsEndpoint   string
	token         string
}

// NewCopernicusSource wires the tile-grid source against the production
// endpoints.
func NewCopernicusSource(cfg config.CopernicusConfig, creds CopernicusCredentials, destDir string, force, dryRun bool) *CopernicusSource {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	return &CopernicusSource{
		cfg:           cfg,
		creds:         creds,
		destDir:       destDir,
		force:         force,
		dryRun:        dryRun,
		httpClient:    &http.Client{Timeout: timeout},
		tokenEndpoint: CopernicusTokenEndpoint,
		wmsEndpoint:   fmt.Sprintf(copernicusWMSEndpointPattern, creds.InstanceID),
	}
}

func (s *CopernicusSource) Name() string { return "copernicus" }

// Acquire authenticates once, snapshots the capabilities document, and
// fetches every layer's tile grid. The per-layer summaries feed the
// manifest's generation parameters.
func (s *CopernicusSource) Acquire(ctx context.Context) (Summary, error) {
	if len(s.cfg.Layers) == 0 {
		logger.Info("copernicus acquisition enabled but no layers configured")
		return Summary{"layers": 0}, nil
	}

	if s.dryRun {
		total := 0
		for zoom := s.cfg.MinZoom; zoom <= s.cfg.MaxZoom; zoom++ {
			total += geo.TilesForBBox(s.bbox(), zoom).Count()
		}
		logger.Info("dry-run: would fetch copernicus tiles", logger.Fields{
			"layers":         len(s.cfg.Layers),
			"tiles_estimate": total * len(s.cfg.Layers),
		})
		return Summary{"dry_run": true, "tiles_estimate": total * len(s.cfg.Layers)}, nil
	}

	if err := fsutil.EnsureDir(s.destDir); err != nil {
		return nil, err
	}
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	s.snapshotCapabilities(ctx)

	summaries := make([]map[string]any, 0, len(s.cfg.Layers))
	for _, layer := range s.cfg.Layers {
		summary, err := s.downloadLayer(ctx, layer)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return Summary{"layers": summaries}, nil
}

// authenticate performs the client-credentials grant.
func (s *CopernicusSource) authenticate(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.creds.ClientID},
		"client_secret": {s.creds.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	logger.Debug("requesting copernicus token")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrAuthFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(errors.ErrAuthFailed,
			"token request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil || payload.AccessToken == "" {
		return errors.Wrap(errors.ErrAuthFailed, "token response missing access_token")
	}
	s.token = payload.AccessToken
	return nil
}

// snapshotCapabilities stores the WMS capabilities document beside the tile
// cache. Failure is logged, not fatal.
func (s *CopernicusSource) snapshotCapabilities(ctx context.Context) {
	path := filepath.Join(s.destDir, "capabilities.xml")
	if !s.force && fileExists(path) {
		return
	}

	endpoint := fmt.Sprintf("%s?service=WMS&request=GetCapabilities&version=1.3.0", s.wmsEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Warn("copernicus capabilities fetch skipped", logger.Fields{"error": err.Error()})
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("copernicus capabilities fetch skipped", logger.Fields{"status": resp.StatusCode})
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, fsutil.FileModeDefault)
}

func (s *CopernicusSource) downloadLayer(ctx context.Context, layer config.CopernicusLayer) (map[string]any, error) {
	slug := slugify(firstNonEmpty(layer.Output, layer.Name))
	layerDir := filepath.Join(s.destDir, slug)
	if err := fsutil.EnsureDir(layerDir); err != nil {
		return nil, err
	}

	var written, skipped, failed, estimate int
	limitReached := false

grid:
	for zoom := s.cfg.MinZoom; zoom <= s.cfg.MaxZoom; zoom++ {
		tileRange := geo.TilesForBBox(s.bbox(), zoom)
		estimate += tileRange.Count()
		for x := tileRange.MinX; x <= tileRange.MaxX; x++ {
			for y := tileRange.MinY; y <= tileRange.MaxY; y++ {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if s.cfg.MaxTilesPerLayer > 0 && written >= s.cfg.MaxTilesPerLayer {
					limitReached = true
					break grid
				}

				ext := extensionForFormat(layer.Format)
				tilePath := filepath.Join(layerDir, strconv.Itoa(zoom), strconv.Itoa(x),
					fmt.Sprintf("%d.%s", y, ext))
				if !s.force && fileExists(tilePath) {
					skipped++
					continue
				}

				if err := s.fetchTileWithRetry(ctx, layer, geo.Tile{Z: zoom, X: x, Y: y}, tilePath); err != nil {
					if stderrors.Is(err, errors.ErrAuthFailed) || ctx.Err() != nil {
						return nil, err
					}
					logger.Warn("copernicus tile request failed", logger.Fields{
						"layer": layer.Name,
						"zoom":  zoom,
						"x":     x,
						"y":     y,
						"error": err.Error(),
					})
					failed++
				} else {
					written++
				}
				if err := s.pause(ctx, s.requestInterval()); err != nil {
					return nil, err
				}
			}
		}
	}

	summary := map[string]any{
		"layer":               layer.Name,
		"output":              layerDir,
		"tiles_written":       written,
		"tiles_skipped":       skipped,
		"tiles_failed":        failed,
		"tile_count_estimate": estimate,
		"min_zoom":            s.cfg.MinZoom,
		"max_zoom":            s.cfg.MaxZoom,
		"bbox":                s.cfg.BBox,
	}
	if limitReached {
		summary["limit_reached"] = true
	}
	return summary, nil
}

// fetchTileWithRetry retries transient tile failures up to the configured
// attempt count, growing the pause between attempts by the backoff factor.
// Auth failures and cancellation return immediately.
func (s *CopernicusSource) fetchTileWithRetry(ctx context.Context, layer config.CopernicusLayer, tile geo.Tile, tilePath string) error {
	attempts := s.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = s.fetchTile(ctx, layer, tile, tilePath); err == nil {
			return nil
		}
		if stderrors.Is(err, errors.ErrAuthFailed) || ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			if pauseErr := s.pause(ctx, s.retryDelay(attempt)); pauseErr != nil {
				return pauseErr
			}
		}
	}
	return err
}

func (s *CopernicusSource) requestInterval() time.Duration {
	return time.Duration(s.cfg.RequestIntervalSeconds * float64(time.Second))
}

// retryDelay is the request interval scaled by backoff_factor^(attempt-1).
func (s *CopernicusSource) retryDelay(attempt int) time.Duration {
	delay := s.requestInterval()
	if factor := s.cfg.BackoffFactor; factor > 1 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * factor)
		}
	}
	return delay
}

func (s *CopernicusSource) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetchTile issues one GetMap request. A 401 triggers a single
// re-authentication and retry of the same tile.
func (s *CopernicusSource) fetchTile(ctx context.Context, layer config.CopernicusLayer, tile geo.Tile, tilePath string) error {
	resp, err := s.getMap(ctx, layer, tile)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		logger.Info("copernicus token expired; refreshing")
		if err := s.authenticate(ctx); err != nil {
			return err
		}
		resp, err = s.getMap(ctx, layer, tile)
		if err != nil {
			return err
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return errors.Wrapf(errors.ErrTileFetch, "status %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.ErrTileFetch, err.Error())
	}
	if err := fsutil.EnsureFileDir(tilePath); err != nil {
		return err
	}
	return os.WriteFile(tilePath, data, fsutil.FileModeDefault)
}

func (s *CopernicusSource) getMap(ctx context.Context, layer config.CopernicusLayer, tile geo.Tile) (*http.Response, error) {
	minx, miny, maxx, maxy := geo.TileBoundsMercator(tile)
	params := url.Values{
		"SERVICE":     {"WMS"},
		"REQUEST":     {"GetMap"},
		"VERSION":     {"1.3.0"},
		"FORMAT":      {layer.Format},
		"TRANSPARENT": {"false"},
		"WIDTH":       {strconv.Itoa(s.cfg.TileSize)},
		"HEIGHT":      {strconv.Itoa(s.cfg.TileSize)},
		"CRS":         {"EPSG:3857"},
		"LAYERS":      {layer.Name},
		"STYLES":      {layer.Style},
		"BBOX":        {fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", minx, miny, maxx, maxy)},
	}
	if layer.Time != "" {
		params.Set("TIME", layer.Time)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.wmsEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build tile request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("User-Agent", "planetile/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTileFetch, err.Error())
	}
	return resp, nil
}

func (s *CopernicusSource) bbox() geo.BBox {
	return geo.BBox{
		MinLon: s.cfg.BBox[0],
		MinLat: s.cfg.BBox[1],
		MaxLon: s.cfg.BBox[2],
		MaxLat: s.cfg.BBox[3],
	}
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(value string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(value), "_"), "_")
	if slug == "" {
		return "layer"
	}
	return slug
}

func extensionForFormat(format string) string {
	normalized := strings.ToLower(format)
	if ext, ok := formatExtensions[normalized]; ok {
		return ext
	}
	if idx := strings.LastIndex(normalized, "/"); idx >= 0 && idx < len(normalized)-1 {
		return normalized[idx+1:]
	}
	return "bin"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
