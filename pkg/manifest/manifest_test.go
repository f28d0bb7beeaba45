package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/download"
	pkgerrors "github.com/glorpus-work/planetile/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() (map[string]*download.Result, *catalog.Catalog) {
	cat := catalog.New(map[string]*catalog.Record{
		"X": {
			Name:        "Asset X",
			URLs:        []string{"http://h/x"},
			Destination: "x.bin",
			License:     "CC-BY",
			Attribution: "Example Org",
		},
	})
	rec, _ := cat.Get("X")
	results := map[string]*download.Result{
		"X": {Record: rec, Path: "/data/x.bin", URL: "http://h/x", SHA256: "abc123", Size: 42},
	}
	return results, cat
}

func TestBuild(t *testing.T) {
	results, _ := sampleResults()
	m, err := Build(results, map[string]interface{}{"bmng_resolution": "500m"}, "1.0.0")
	require.NoError(t, err)

	src, ok := m.Sources["X"]
	require.True(t, ok)
	assert.Equal(t, "Asset X", src.Name)
	assert.Equal(t, "http://h/x", src.URL)
	assert.Equal(t, "/data/x.bin", src.Path)
	assert.Equal(t, "abc123", src.SHA256)
	assert.Equal(t, int64(42), src.FileSize)
	assert.Equal(t, "CC-BY", src.License)
	assert.Equal(t, "500m", m.GenerationParams["bmng_resolution"])
	assert.False(t, m.CreatedAt.IsZero())
}

func TestBuildRejectsBadVersion(t *testing.T) {
	results, _ := sampleResults()
	_, err := Build(results, nil, "definitely-not-semver")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrConfigValidation))
}

func TestMarshalDeterminism(t *testing.T) {
	results, _ := sampleResults()
	m, err := Build(results, map[string]interface{}{"scale": "10m"}, "1.0.0")
	require.NoError(t, err)

	first, err := m.Marshal()
	require.NoError(t, err)
	second, err := m.Marshal()
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical input must serialize byte-identically")

	// Rebuild with identical inputs: only created_at may differ.
	m2, err := Build(results, map[string]interface{}{"scale": "10m"}, "1.0.0")
	require.NoError(t, err)
	m2.CreatedAt = m.CreatedAt
	third, err := m2.Marshal()
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestMarshalSortsSourceKeys(t *testing.T) {
	m := &Manifest{
		Version:          "1.0.0",
		CreatedAt:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		GenerationParams: map[string]interface{}{},
		Sources: map[string]Source{
			"zebra": {Name: "Z", URL: "http://h/z"},
			"alpha": {Name: "A", URL: "http://h/a"},
		},
	}
	data, err := m.Marshal()
	require.NoError(t, err)
	assert.Less(t, indexOf(data, `"alpha"`), indexOf(data, `"zebra"`))
}

func indexOf(data []byte, needle string) int {
	for i := 0; i+len(needle) <= len(data); i++ {
		if string(data[i:i+len(needle)]) == needle {
			return i
		}
	}
	return -1
}

func TestWriteRead(t *testing.T) {
	results, _ := sampleResults()
	m, err := Build(results, nil, "1.0.0")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "output", "asset_manifest.json")
	require.NoError(t, m.Write(path))

	loaded, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, m.Version, loaded.Version)
	assert.Equal(t, m.Sources["X"].SHA256, loaded.Sources["X"].SHA256)

	// Omitted null fields stay omitted on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	srcX := generic["sources"].(map[string]interface{})["X"].(map[string]interface{})
	_, hasLicense := srcX["license"]
	assert.True(t, hasLicense)
}

func TestVerifyAccumulatesProblems(t *testing.T) {
	dataDir := t.TempDir()
	cat := catalog.New(map[string]*catalog.Record{
		"present": {Name: "P", URLs: []string{"http://h/p"}, Destination: "p.bin"},
		"missing": {Name: "M", URLs: []string{"http://h/m"}, Destination: "m.bin"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "p.bin"), []byte("data"), 0o644))
	digest, err := download.SHA256Of(filepath.Join(dataDir, "p.bin"))
	require.NoError(t, err)

	m := &Manifest{
		Version:          "1.0.0",
		GenerationParams: map[string]interface{}{},
		Sources: map[string]Source{
			"present": {Name: "P", URL: "http://h/p", SHA256: "not-the-real-digest"},
			"missing": {Name: "M", URL: "http://h/m", SHA256: digest},
			"unknown": {Name: "U", URL: "http://h/u"},
		},
	}

	err = m.Verify(cat, dataDir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChecksumMismatch))
	assert.True(t, errors.Is(err, pkgerrors.ErrArtifactMissing))
	assert.True(t, errors.Is(err, pkgerrors.ErrAssetUnknown))
}

func TestVerifyRegisteredAssetByRecordedPath(t *testing.T) {
	dataDir := t.TempDir()
	archivePath := filepath.Join(dataDir, "modis_mcd43a4", "modis_mcd43a4_2024152_h29v05.tar.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(archivePath), 0o755))
	require.NoError(t, os.WriteFile(archivePath, []byte("tile bundle"), 0o644))
	digest, err := download.SHA256Of(archivePath)
	require.NoError(t, err)

	m := &Manifest{
		Version: "1.0.0",
		Sources: map[string]Source{
			"modis_mcd43a4_2024152_h29v05": {
				Name:   "modis_mcd43a4_2024152_h29v05",
				URL:    "https://appeears.earthdatacloud.nasa.gov/api",
				Path:   archivePath,
				SHA256: digest,
			},
		},
	}

	// The archive is not a catalog entry; the recorded path is authoritative.
	assert.NoError(t, m.Verify(catalog.New(map[string]*catalog.Record{}), dataDir))

	require.NoError(t, os.Remove(archivePath))
	err = m.Verify(catalog.New(map[string]*catalog.Record{}), dataDir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrArtifactMissing))
	assert.False(t, errors.Is(err, pkgerrors.ErrAssetUnknown))
}

func TestVerifyRegisteredAssetRelativePath(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "clip.tif"), []byte("cog"), 0o644))
	digest, err := download.SHA256Of(filepath.Join(dataDir, "clip.tif"))
	require.NoError(t, err)

	m := &Manifest{
		Version: "1.0.0",
		Sources: map[string]Source{
			"mpc_clip": {Name: "clip", URL: "http://h/clip", Path: "clip.tif", SHA256: digest},
		},
	}
	assert.NoError(t, m.Verify(catalog.New(map[string]*catalog.Record{}), dataDir))
}

func TestVerifyClean(t *testing.T) {
	dataDir := t.TempDir()
	cat := catalog.New(map[string]*catalog.Record{
		"x": {Name: "X", URLs: []string{"http://h/x"}, Destination: "x.bin"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "x.bin"), []byte("ok"), 0o644))
	digest, err := download.SHA256Of(filepath.Join(dataDir, "x.bin"))
	require.NoError(t, err)

	m := &Manifest{
		Version: "1.0.0",
		Sources: map[string]Source{"x": {Name: "X", URL: "http://h/x", SHA256: digest}},
	}
	assert.NoError(t, m.Verify(cat, dataDir))
}
