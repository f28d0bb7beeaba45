package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/runner"
)

func writeBandFiles(t *testing.T, root, tile, dateCode string, bands []string) {
	t.Helper()
	dataDir := filepath.Join(root, tile, dateCode)
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	for _, band := range bands {
		name := fmt.Sprintf("MCD43A4.061_%s_doy%s_aid0001.tif", band, dateCode)
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte("band"), 0o644))
	}
}

func TestPrepareModisRGB(t *testing.T) {
	root := t.TempDir()
	bands := []string{
		"Nadir_Reflectance_Band1",
		"Nadir_Reflectance_Band3",
		"Nadir_Reflectance_Band4",
	}
	writeBandFiles(t, root, "h18v09", "2024152", bands)
	writeBandFiles(t, root, "h19v09", "2024152", bands)

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	output, err := mgr.PrepareModisRGB(context.Background(), root, []string{"h18v09", "h19v09"}, "2024152")
	require.NoError(t, err)
	assert.Equal(t, "modis_2024152_rgb_cog.tif", filepath.Base(output))

	// Three band mosaics, one band stack, one byte-stretch, one COG.
	require.Len(t, commands, 6)
	assert.Equal(t, "gdalbuildvrt", commands[0].Args[0])
	assert.Contains(t, commands[3].Args, "-separate")

	stretch := commands[4]
	assert.Equal(t, "gdal_translate", stretch.Args[0])
	assert.Contains(t, stretch.Args, "-scale")
	assert.Contains(t, stretch.Args, "4000")
	assert.Contains(t, stretch.Args, "PHOTOMETRIC=RGB")
	assert.NotContains(t, stretch.Args, "-exponent", "gamma 1.0 needs no stretch exponent")

	assert.Contains(t, commands[5].Args, "COG")
}

func TestPrepareViirsRGBCollectionTwoBandNames(t *testing.T) {
	root := t.TempDir()
	writeBandFiles(t, root, "h29v05", "2024152", []string{
		"SurfReflect_I1_1",
		"SurfReflect_I2_1",
		"SurfReflect_I3_1",
	})

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	output, err := mgr.PrepareViirsRGB(context.Background(), root, []string{"h29v05"}, "2024152")
	require.NoError(t, err)
	assert.Equal(t, "viirs_2024152_rgb_cog.tif", filepath.Base(output))

	stretch := commands[4]
	assert.Contains(t, stretch.Args, "9000")
	assert.Contains(t, stretch.Args, "-exponent")
	assert.Contains(t, stretch.Args, "0.8")
}

func TestPrepareViirsRGBLegacyBandNames(t *testing.T) {
	root := t.TempDir()
	writeBandFiles(t, root, "h29v05", "2024152", []string{
		"SurfReflect_I1",
		"SurfReflect_I2",
		"SurfReflect_I3",
	})

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)
	mgr.viirs.Product = "VNP09GA.001"

	_, err := mgr.PrepareViirsRGB(context.Background(), root, []string{"h29v05"}, "2024152")
	require.NoError(t, err)
}

func TestPrepareRGBProductMissingBand(t *testing.T) {
	root := t.TempDir()
	writeBandFiles(t, root, "h18v09", "2024152", []string{"Nadir_Reflectance_Band1"})

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	_, err := mgr.PrepareModisRGB(context.Background(), root, []string{"h18v09"}, "2024152")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
}

func TestPrepareRGBProductMissingTileDir(t *testing.T) {
	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	_, err := mgr.PrepareModisRGB(context.Background(), t.TempDir(), []string{"h18v09"}, "2024152")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
}

func TestPrepareRGBProductNoTiles(t *testing.T) {
	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	_, err := mgr.PrepareModisRGB(context.Background(), t.TempDir(), nil, "2024152")
	require.Error(t, err)
}

func TestResolveTileDataDir(t *testing.T) {
	tileDir := t.TempDir()
	assert.Equal(t, tileDir, resolveTileDataDir(tileDir))

	nested := filepath.Join(tileDir, "2024152")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	assert.Equal(t, nested, resolveTileDataDir(tileDir))
}
