package acquire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
)

// copernicusFixture bundles a fake token endpoint and WMS endpoint behind one
// server, wired into a source over a single-tile bbox at one zoom level.
type copernicusFixture struct {
	tokenRequests atomic.Int64
	mapRequests   atomic.Int64
	mapHandler    func(w http.ResponseWriter, r *http.Request, n int64)
}

func (f *copernicusFixture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			f.tokenRequests.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/wms":
			if r.URL.Query().Get("request") == "GetCapabilities" {
				_, _ = w.Write([]byte("<WMS_Capabilities/>"))
				return
			}
			f.mapHandler(w, r, f.mapRequests.Add(1))
		default:
			http.NotFound(w, r)
		}
	}
}

// singleTileConfig covers exactly one tile: bbox inside tile z1/x1/y0.
func singleTileConfig() config.CopernicusConfig {
	return config.CopernicusConfig{
		Enabled:  true,
		BBox:     []float64{10, 10, 20, 20},
		MinZoom:  1,
		MaxZoom:  1,
		TileSize: 256,
		Layers: []config.CopernicusLayer{
			{Name: "TRUE_COLOR", Format: "image/jpeg"},
		},
		TimeoutSeconds: 5,
		MaxRetries:     1,
	}
}

func newCopernicusFixture(t *testing.T, cfg config.CopernicusConfig, destDir string) (*copernicusFixture, *CopernicusSource) {
	t.Helper()
	fixture := &copernicusFixture{
		mapHandler: func(w http.ResponseWriter, _ *http.Request, _ int64) {
			_, _ = w.Write([]byte("jpeg bytes"))
		},
	}
	server := httptest.NewServer(fixture.handler())
	t.Cleanup(server.Close)

	src := NewCopernicusSource(cfg, CopernicusCredentials{
		InstanceID:   "instance",
		ClientID:     "client",
		ClientSecret: "secret",
	}, destDir, false, false)
	src.tokenEndpoint = server.URL + "/token"
	src.wmsEndpoint = server.URL + "/wms"
	return fixture, src
}

func TestCopernicusDownloadsTileGrid(t *testing.T) {
	destDir := t.TempDir()
	fixture, src := newCopernicusFixture(t, singleTileConfig(), destDir)

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)

	layers := summary["layers"].([]map[string]any)
	require.Len(t, layers, 1)
	assert.Equal(t, 1, layers[0]["tiles_written"])
	assert.Equal(t, 0, layers[0]["tiles_failed"])
	assert.NotContains(t, layers[0], "limit_reached")

	assert.FileExists(t, filepath.Join(destDir, "true_color", "1", "1", "0.jpg"))
	assert.FileExists(t, filepath.Join(destDir, "capabilities.xml"))
	assert.EqualValues(t, 1, fixture.tokenRequests.Load())
}

func TestCopernicusReauthenticatesOnceOn401(t *testing.T) {
	destDir := t.TempDir()
	cfg := singleTileConfig()
	fixture, src := newCopernicusFixture(t, cfg, destDir)
	fixture.mapHandler = func(w http.ResponseWriter, _ *http.Request, n int64) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("jpeg bytes"))
	}

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)

	layers := summary["layers"].([]map[string]any)
	assert.Equal(t, 1, layers[0]["tiles_written"])
	assert.EqualValues(t, 2, fixture.tokenRequests.Load(), "initial grant plus one refresh")
	assert.FileExists(t, filepath.Join(destDir, "true_color", "1", "1", "0.jpg"))
}

func TestCopernicusRetriesTransientTileFailures(t *testing.T) {
	destDir := t.TempDir()
	cfg := singleTileConfig()
	cfg.MaxRetries = 3
	cfg.BackoffFactor = 2.0
	fixture, src := newCopernicusFixture(t, cfg, destDir)
	fixture.mapHandler = func(w http.ResponseWriter, _ *http.Request, n int64) {
		if n < 3 {
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("jpeg bytes"))
	}

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)

	layers := summary["layers"].([]map[string]any)
	assert.Equal(t, 1, layers[0]["tiles_written"])
	assert.Equal(t, 0, layers[0]["tiles_failed"])
	assert.EqualValues(t, 3, fixture.mapRequests.Load(), "two transient failures then success")
	assert.FileExists(t, filepath.Join(destDir, "true_color", "1", "1", "0.jpg"))
}

func TestCopernicusRetriesExhausted(t *testing.T) {
	destDir := t.TempDir()
	cfg := singleTileConfig()
	cfg.MaxRetries = 2
	fixture, src := newCopernicusFixture(t, cfg, destDir)
	fixture.mapHandler = func(w http.ResponseWriter, _ *http.Request, _ int64) {
		http.Error(w, "upstream error", http.StatusBadGateway)
	}

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)

	layers := summary["layers"].([]map[string]any)
	assert.Equal(t, 0, layers[0]["tiles_written"])
	assert.Equal(t, 1, layers[0]["tiles_failed"])
	assert.EqualValues(t, 2, fixture.mapRequests.Load())
}

func TestCopernicusCountsPerTileFailures(t *testing.T) {
	destDir := t.TempDir()
	fixture, src := newCopernicusFixture(t, singleTileConfig(), destDir)
	fixture.mapHandler = func(w http.ResponseWriter, _ *http.Request, _ int64) {
		http.Error(w, "upstream error", http.StatusBadGateway)
	}

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err, "per-tile failures are counted, not fatal")

	layers := summary["layers"].([]map[string]any)
	assert.Equal(t, 0, layers[0]["tiles_written"])
	assert.Equal(t, 1, layers[0]["tiles_failed"])
}

func TestCopernicusTileCapStopsLayer(t *testing.T) {
	destDir := t.TempDir()
	cfg := singleTileConfig()
	cfg.BBox = []float64{-170, -80, 170, 80}
	cfg.MaxTilesPerLayer = 1
	_, src := newCopernicusFixture(t, cfg, destDir)

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)

	layers := summary["layers"].([]map[string]any)
	assert.Equal(t, 1, layers[0]["tiles_written"])
	assert.Equal(t, true, layers[0]["limit_reached"])
}

func TestCopernicusSkipsExistingTiles(t *testing.T) {
	destDir := t.TempDir()
	fixture, src := newCopernicusFixture(t, singleTileConfig(), destDir)

	tilePath := filepath.Join(destDir, "true_color", "1", "1", "0.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(tilePath), 0o755))
	require.NoError(t, os.WriteFile(tilePath, []byte("cached"), 0o644))

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)

	layers := summary["layers"].([]map[string]any)
	assert.Equal(t, 0, layers[0]["tiles_written"])
	assert.Equal(t, 1, layers[0]["tiles_skipped"])
	assert.EqualValues(t, 0, fixture.mapRequests.Load())

	data, err := os.ReadFile(tilePath)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(data))
}

func TestCopernicusAuthFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid client", http.StatusUnauthorized)
	}))
	defer server.Close()

	src := NewCopernicusSource(singleTileConfig(), CopernicusCredentials{
		InstanceID:   "instance",
		ClientID:     "client",
		ClientSecret: "wrong",
	}, t.TempDir(), false, false)
	src.tokenEndpoint = server.URL
	src.wmsEndpoint = server.URL + "/wms"

	_, err := src.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthFailed)
}

func TestCopernicusDryRunEstimatesTiles(t *testing.T) {
	src := NewCopernicusSource(singleTileConfig(), CopernicusCredentials{}, t.TempDir(), false, true)

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, summary["dry_run"])
	assert.Equal(t, 1, summary["tiles_estimate"])
}

func TestCopernicusNoLayersConfigured(t *testing.T) {
	cfg := singleTileConfig()
	cfg.Layers = nil
	src := NewCopernicusSource(cfg, CopernicusCredentials{}, t.TempDir(), false, false)

	summary, err := src.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary["layers"])
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TRUE_COLOR", "true_color"},
		{"True Color (S2)", "true_color_s2"},
		{"--", "layer"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, slugify(tc.in))
	}
}
