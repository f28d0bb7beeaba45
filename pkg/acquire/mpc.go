package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/geo"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// Planetary Computer endpoints.
const (
	MPCSearchEndpoint      = "https://planetarycomputer.microsoft.com/api/stac/v1/search"
	mpcTokenEndpointFormat = "https://planetarycomputer.microsoft.com/api/sas/v1/token/%s?token=anon"
	mpcDefaultCollection   = "sentinel-2-l2a"
)

// MPCScene is a scene selected from the STAC search.
type MPCScene struct {
	Collection string
	ItemID     string
	VisualHref string
	CloudCover float64
}

// MPCRequest describes one clipped true-color extract.
type MPCRequest struct {
	Lat        float64
	Lon        float64
	WidthM     float64
	HeightM    float64
	OutputPath string
	MaxCloud   float64 // <= 0 means unfiltered
	StartTime  string  // RFC 3339 or date, optional
	EndTime    string
}

// MPCSource fetches a low-cloud Sentinel-2 scene for a point, signs its COG
// asset with a short-lived token, and clips the requested window through
// the command runner so only the footprint's bytes move over the network.
type MPCSource struct {
	req            MPCRequest
	run            runner.Runner
	manager        *download.Manager
	httpClient     *http.Client
	searchEndpoint string
	tokenEndpoint  string // format string receiving the collection
	dryRun         bool
}

// NewMPCSource builds the search-then-sign source.
func NewMPCSource(req MPCRequest, run runner.Runner, manager *download.Manager, dryRun bool) *MPCSource {
	return &MPCSource{
		req:            req,
		run:            run,
		manager:        manager,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		searchEndpoint: MPCSearchEndpoint,
		tokenEndpoint:  mpcTokenEndpointFormat,
		dryRun:         dryRun,
	}
}

func (s *MPCSource) Name() string { return "mpc" }

// Acquire searches, signs, and clips. In dry-run mode nothing is fetched:
// the summary describes the search that would be issued.
func (s *MPCSource) Acquire(ctx context.Context) (Summary, error) {
	bbox, err := geo.BBoxAroundPoint(s.req.Lat, s.req.Lon, s.req.WidthM, s.req.HeightM)
	if err != nil {
		return nil, err
	}

	if s.dryRun {
		logger.Info("dry-run: would search scene and clip window", logger.Fields{
			"search_url": s.searchEndpoint,
			"collection": mpcDefaultCollection,
			"output":     s.req.OutputPath,
		})
		return Summary{
			"dry_run":    true,
			"search_url": s.searchEndpoint,
			"collection": mpcDefaultCollection,
			"output":     s.req.OutputPath,
			"bbox":       []float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat},
			"max_cloud":  s.req.MaxCloud,
		}, nil
	}

	scene, err := s.selectScene(ctx, bbox)
	if err != nil {
		return nil, err
	}
	logger.Info("scene selected", logger.Fields{
		"item_id":     scene.ItemID,
		"collection":  scene.Collection,
		"cloud_cover": scene.CloudCover,
	})

	token, err := s.fetchSASToken(ctx, scene.Collection)
	if err != nil {
		return nil, err
	}
	signedURL := appendToken(scene.VisualHref, token)

	if err := fsutil.EnsureFileDir(s.req.OutputPath); err != nil {
		return nil, err
	}

	cmd := runner.Command{
		Description: "clip signed scene window",
		Args: []string{
			"gdal_translate",
			"-projwin",
			formatFloat(bbox.MinLon), formatFloat(bbox.MaxLat),
			formatFloat(bbox.MaxLon), formatFloat(bbox.MinLat),
			"-projwin_srs", "EPSG:4326",
			"-of", "COG",
			"-co", "COMPRESS=JPEG",
			"-co", "QUALITY=95",
			signedURL,
			s.req.OutputPath,
		},
	}
	if err := s.run.Run(ctx, cmd); err != nil {
		return nil, err
	}

	summary := Summary{
		"output":      s.req.OutputPath,
		"item_id":     scene.ItemID,
		"collection":  scene.Collection,
		"cloud_cover": scene.CloudCover,
		"bbox":        []float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat},
	}

	if err := s.register(scene); err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *MPCSource) selectScene(ctx context.Context, bbox geo.BBox) (*MPCScene, error) {
	body := map[string]any{
		"collections": []string{mpcDefaultCollection},
		"bbox":        []float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat},
		"limit":       1,
		"sortby": []map[string]string{
			{"field": "eo:cloud_cover", "direction": "asc"},
		},
	}
	if s.req.MaxCloud > 0 {
		body["query"] = map[string]any{
			"eo:cloud_cover": map[string]float64{"lte": s.req.MaxCloud},
		}
	}
	switch {
	case s.req.StartTime != "" && s.req.EndTime != "":
		body["datetime"] = s.req.StartTime + "/" + s.req.EndTime
	case s.req.StartTime != "":
		body["datetime"] = s.req.StartTime + "/.."
	case s.req.EndTime != "":
		body["datetime"] = "../" + s.req.EndTime
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode search request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.searchEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build search request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSceneNotFound, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Wrapf(errors.ErrSceneNotFound,
			"search failed: %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var result struct {
		Features []struct {
			ID         string `json:"id"`
			Collection string `json:"collection"`
			Assets     map[string]struct {
				Href string `json:"href"`
			} `json:"assets"`
			Properties struct {
				CloudCover float64 `json:"eo:cloud_cover"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrSceneNotFound, "could not decode search response")
	}
	if len(result.Features) == 0 {
		return nil, errors.Wrap(errors.ErrSceneNotFound, "no scenes matched the requested area")
	}

	feature := result.Features[0]
	visual, ok := feature.Assets["visual"]
	if !ok || visual.Href == "" {
		return nil, errors.Wrap(errors.ErrSceneNotFound, "selected scene has no visual asset")
	}
	collection := feature.Collection
	if collection == "" {
		collection = mpcDefaultCollection
	}
	return &MPCScene{
		Collection: collection,
		ItemID:     feature.ID,
		VisualHref: visual.Href,
		CloudCover: feature.Properties.CloudCover,
	}, nil
}

func (s *MPCSource) fetchSASToken(ctx context.Context, collection string) (string, error) {
	endpoint := fmt.Sprintf(s.tokenEndpoint, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build token request")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrAuthFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(errors.ErrAuthFailed, "token request failed: %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Token == "" {
		return "", errors.Wrap(errors.ErrAuthFailed, "token response missing token field")
	}
	return payload.Token, nil
}

func (s *MPCSource) register(scene *MPCScene) error {
	digest, err := download.SHA256Of(s.req.OutputPath)
	if err != nil {
		return err
	}
	assetID := "mpc_" + strings.TrimSuffix(filepath.Base(s.req.OutputPath), filepath.Ext(s.req.OutputPath))
	s.manager.Register(assetID, &download.Result{
		Record: &catalog.Record{
			ID:        assetID,
			Name:      fmt.Sprintf("Sentinel-2 scene %s", scene.ItemID),
			MediaType: "image/tiff",
		},
		Path:   s.req.OutputPath,
		URL:    scene.VisualHref,
		SHA256: digest,
		Size:   fileSize(s.req.OutputPath),
	})
	return nil
}

// appendToken merges a SAS token's query parameters onto an asset URL.
func appendToken(href, token string) string {
	token = strings.TrimPrefix(token, "?")
	parsed, err := url.Parse(href)
	if err != nil {
		return href + "?" + token
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery += "&" + token
	} else {
		parsed.RawQuery = token
	}
	return parsed.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
