package packaging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/protomaps/go-pmtiles/pmtiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/runner"
	"github.com/glorpus-work/planetile/pkg/runner/mocks"
)

func testTileInfo() TileInfo {
	return TileInfo{
		Name:        "Planetile 2024",
		Description: "Global basemap composed from NASA Blue Marble Next Generation (2004) and GEBCO bathymetry.",
		Version:     "2024",
		Attribution: "Imagery: NASA Blue Marble (2004). Bathymetry: GEBCO 2024. Masks: Natural Earth 10m.",
		Bounds:      [4]float64{-180.0, -85.0511, 180.0, 85.0511},
		Center:      [3]float64{0, 0, 2},
		MinZoom:     0,
		MaxZoom:     5,
		Format:      "jpeg",
		Scheme:      "xyz",
	}
}

func writeTestArchive(t *testing.T, header pmtiles.HeaderV3) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planet.pmtiles")
	require.NoError(t, os.WriteFile(path, pmtiles.SerializeHeader(header), 0o644))
	return path
}

func validHeader() pmtiles.HeaderV3 {
	var header pmtiles.HeaderV3
	header.SpecVersion = 3
	header.MinZoom = 0
	header.MaxZoom = 5
	header.CenterZoom = 2
	header.TileType = 3
	header.AddressedTilesCount = 42
	header.MinLonE7 = -180 * 10000000
	header.MinLatE7 = -850511000
	header.MaxLonE7 = 180 * 10000000
	header.MaxLatE7 = 850511000
	return header
}

func TestConvertToPMTiles(t *testing.T) {
	ctrl := gomock.NewController(t)
	run := mocks.NewMockRunner(ctrl)

	var captured runner.Command
	run.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cmd runner.Command) error {
			captured = cmd
			return nil
		})

	mgr := NewManager(run, false)
	output, err := mgr.ConvertToPMTiles(context.Background(), "/tiles/planet.mbtiles", "")
	require.NoError(t, err)
	assert.Equal(t, "/tiles/planet.pmtiles", output)
	assert.Equal(t, []string{"pmtiles", "convert", "/tiles/planet.mbtiles", "/tiles/planet.pmtiles"}, captured.Args)
}

func TestGenerateTileJSON(t *testing.T) {
	mgr := NewManager(runner.New(true), false)
	mgr.now = func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	destination := filepath.Join(t.TempDir(), "planet.tilejson.json")
	path, err := mgr.GenerateTileJSON("/dist/planet.pmtiles", testTileInfo(), destination)
	require.NoError(t, err)
	assert.Equal(t, destination, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc TileJSON
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "3.0.0", doc.TileJSON)
	assert.Equal(t, "Planetile 2024", doc.Name)
	assert.Equal(t, "jpeg", doc.Format)
	assert.Equal(t, "xyz", doc.Scheme)
	assert.Equal(t, []string{"pmtiles://planet.pmtiles"}, doc.Tiles)
	assert.Equal(t, [4]float64{-180.0, -85.0511, 180.0, 85.0511}, doc.Bounds)
	assert.Equal(t, "2024-06-01T12:00:00Z", doc.CreatedAt)
}

func TestGenerateTileJSONDefaultDestination(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(runner.New(true), false)

	path, err := mgr.GenerateTileJSON(filepath.Join(dir, "planet.pmtiles"), testTileInfo(), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "planet.tilejson.json"), path)
	assert.FileExists(t, path)
}

func TestGenerateTileJSONDryRun(t *testing.T) {
	mgr := NewManager(runner.New(true), true)

	destination := filepath.Join(t.TempDir(), "planet.tilejson.json")
	path, err := mgr.GenerateTileJSON("/dist/planet.pmtiles", testTileInfo(), destination)
	require.NoError(t, err)
	assert.Equal(t, destination, path)
	assert.NoFileExists(t, path)
}

func TestCreateDistribution(t *testing.T) {
	dir := t.TempDir()
	pmtilesPath := filepath.Join(dir, "planet.pmtiles")
	tilejsonPath := filepath.Join(dir, "planet.tilejson.json")
	manifestPath := filepath.Join(dir, "MANIFEST.json")
	require.NoError(t, os.WriteFile(pmtilesPath, []byte("archive"), 0o644))
	require.NoError(t, os.WriteFile(tilejsonPath, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(manifestPath, []byte("{}"), 0o644))

	mgr := NewManager(runner.New(true), false)
	license := LicenseText(CreditFor("bmng"))

	packageDir, err := mgr.CreateDistribution(pmtilesPath, tilejsonPath, manifestPath, license, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "distribution"), packageDir)

	assert.FileExists(t, filepath.Join(packageDir, "planet.pmtiles"))
	assert.FileExists(t, filepath.Join(packageDir, "planet.tilejson.json"))
	assert.FileExists(t, filepath.Join(packageDir, "MANIFEST.json"))

	data, err := os.ReadFile(filepath.Join(packageDir, "LICENSE_AND_CREDITS.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "NASA Blue Marble Next Generation (2004)")
	assert.Contains(t, string(data), "GEBCO Compilation Group")
}

func TestCreateDistributionMissingManifest(t *testing.T) {
	dir := t.TempDir()
	pmtilesPath := filepath.Join(dir, "planet.pmtiles")
	tilejsonPath := filepath.Join(dir, "planet.tilejson.json")
	require.NoError(t, os.WriteFile(pmtilesPath, []byte("archive"), 0o644))
	require.NoError(t, os.WriteFile(tilejsonPath, []byte("{}"), 0o644))

	mgr := NewManager(runner.New(true), false)
	packageDir, err := mgr.CreateDistribution(
		pmtilesPath, tilejsonPath, filepath.Join(dir, "MANIFEST.json"), "credits", "")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(packageDir, "MANIFEST.json"))
	assert.FileExists(t, filepath.Join(packageDir, "LICENSE_AND_CREDITS.txt"))
}

func TestVerify(t *testing.T) {
	mgr := NewManager(runner.New(true), false)
	path := writeTestArchive(t, validHeader())
	require.NoError(t, mgr.Verify(path, testTileInfo()))
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *pmtiles.HeaderV3)
	}{
		{name: "zoom mismatch", mutate: func(h *pmtiles.HeaderV3) { h.MaxZoom = 9 }},
		{name: "wrong tile type", mutate: func(h *pmtiles.HeaderV3) { h.TileType = 2 }},
		{name: "no tiles", mutate: func(h *pmtiles.HeaderV3) { h.AddressedTilesCount = 0 }},
		{name: "bounds mismatch", mutate: func(h *pmtiles.HeaderV3) { h.MinLonE7 = -90 * 10000000 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			header := validHeader()
			tc.mutate(&header)

			mgr := NewManager(runner.New(true), false)
			err := mgr.Verify(writeTestArchive(t, header), testTileInfo())
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrVerifyFailed)
		})
	}
}

func TestVerifyTruncatedArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planet.pmtiles")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o644))

	mgr := NewManager(runner.New(true), false)
	err := mgr.Verify(path, testTileInfo())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrVerifyFailed)
}

func TestVerifyMissingArchive(t *testing.T) {
	mgr := NewManager(runner.New(true), false)
	err := mgr.Verify(filepath.Join(t.TempDir(), "absent.pmtiles"), testTileInfo())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
}

func TestVerifyDryRun(t *testing.T) {
	mgr := NewManager(runner.New(true), true)
	require.NoError(t, mgr.Verify("/nonexistent/planet.pmtiles", testTileInfo()))
}

func TestCreditFor(t *testing.T) {
	tests := []struct {
		source      string
		wantLabel   string
		wantLicense string
	}{
		{source: "modis", wantLabel: "MODIS MCD43A4", wantLicense: "NASA LP DAAC"},
		{source: "viirs", wantLabel: "VIIRS Corrected Reflectance", wantLicense: "VNP09GA"},
		{source: "copernicus", wantLabel: "Copernicus Sentinel-2 Level-2A", wantLicense: "European Space Agency"},
		{source: "gsi_orthophotos", wantLabel: "GSI Seamless Orthophoto", wantLicense: "Seamless Orthophotography"},
		{source: "bmng", wantLabel: "NASA Blue Marble Next Generation (2004)", wantLicense: "Blue Marble"},
		{source: "something-else", wantLabel: "NASA Blue Marble Next Generation (2004)", wantLicense: "Blue Marble"},
	}
	for _, tc := range tests {
		t.Run(tc.source, func(t *testing.T) {
			credit := CreditFor(tc.source)
			assert.Equal(t, tc.wantLabel, credit.Label)
			assert.Contains(t, credit.LicenseLine, tc.wantLicense)
			assert.NotEmpty(t, credit.Attribution)
		})
	}
}
