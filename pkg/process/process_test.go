package process

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/runner"
	"github.com/glorpus-work/planetile/pkg/runner/mocks"
)

// recordingRunner wraps the gomock runner so tests can capture every command
// while still creating the command's output file, the way GDAL would.
func newRecordingManager(t *testing.T, commands *[]runner.Command) *Manager {
	t.Helper()
	ctrl := gomock.NewController(t)
	run := mocks.NewMockRunner(ctrl)
	run.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cmd runner.Command) error {
			*commands = append(*commands, cmd)
			output := cmd.Args[len(cmd.Args)-1]
			return os.WriteFile(output, []byte("raster"), 0o644)
		}).AnyTimes()

	mgr, err := NewManager(config.ProcessingConfig{}, Options{
		Modis:         config.ModisConfig{ScaleMax: 4000, Gamma: 1.0},
		Viirs:         config.ViirsConfig{Product: "VNP09GA.002", ScaleMax: 9000, Gamma: 0.8},
		TempDir:       t.TempDir(),
		ProcessingDir: t.TempDir(),
		DataDir:       t.TempDir(),
		Runner:        run,
	})
	require.NoError(t, err)
	return mgr
}

func writePanel(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("panel "+name), 0o644))
	return path
}

func TestComposeBMNGPanelsMosaics(t *testing.T) {
	panelDir := t.TempDir()
	writePanel(t, panelDir, "a1.tif")
	writePanel(t, panelDir, "a2.tif")

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	mosaic, err := mgr.ComposeBMNGPanels(context.Background(), panelDir)
	require.NoError(t, err)
	assert.Equal(t, "bmng_mosaic.tif", filepath.Base(mosaic))

	require.Len(t, commands, 2)
	assert.Equal(t, "gdalbuildvrt", commands[0].Args[0])
	assert.Equal(t, "gdal_translate", commands[1].Args[0])
}

func TestComposeBMNGPanelsSinglePassthrough(t *testing.T) {
	panelDir := t.TempDir()
	only := writePanel(t, panelDir, "world.tif")

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	mosaic, err := mgr.ComposeBMNGPanels(context.Background(), panelDir)
	require.NoError(t, err)
	assert.Equal(t, only, mosaic)
	assert.Empty(t, commands)
}

func TestComposeBMNGPanelsEmptyDir(t *testing.T) {
	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	_, err := mgr.ComposeBMNGPanels(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
}

func TestNormalizeBMNGMemoizes(t *testing.T) {
	srcDir := t.TempDir()
	input := writePanel(t, srcDir, "bmng_mosaic.tif")
	panels := []string{
		writePanel(t, srcDir, "a1.tif"),
		writePanel(t, srcDir, "a2.tif"),
	}

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	first, err := mgr.NormalizeBMNG(context.Background(), input, panels)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Contains(t, commands[0].Args, "EPSG:4326")
	assert.NotContains(t, commands[0].Args, "-exponent", "default enhancement is a plain copy")

	second, err := mgr.NormalizeBMNG(context.Background(), input, panels)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, commands, 1, "unchanged sources reuse the cached raster")

	// Touching a source invalidates the cache.
	require.NoError(t, os.WriteFile(panels[0], []byte("updated"), 0o644))
	_, err = mgr.NormalizeBMNG(context.Background(), input, panels)
	require.NoError(t, err)
	assert.Len(t, commands, 2)
}

func TestNormalizeBMNGAppliesColorEnhancement(t *testing.T) {
	srcDir := t.TempDir()
	input := writePanel(t, srcDir, "bmng_mosaic.tif")

	var commands []runner.Command
	ctrl := gomock.NewController(t)
	run := mocks.NewMockRunner(ctrl)
	run.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cmd runner.Command) error {
			commands = append(commands, cmd)
			return os.WriteFile(cmd.Args[len(cmd.Args)-1], []byte("raster"), 0o644)
		})

	mgr, err := NewManager(config.ProcessingConfig{ColorEnhancement: 1.25}, Options{
		TempDir:       t.TempDir(),
		ProcessingDir: t.TempDir(),
		DataDir:       t.TempDir(),
		Runner:        run,
	})
	require.NoError(t, err)

	_, err = mgr.NormalizeBMNG(context.Background(), input, []string{input})
	require.NoError(t, err)

	require.Len(t, commands, 1)
	args := commands[0].Args
	require.Contains(t, args, "-exponent")
	for i, arg := range args {
		if arg == "-exponent" {
			assert.Equal(t, "0.8", args[i+1], "exponent is the enhancement reciprocal")
		}
	}
	assert.Contains(t, args, "-scale")
}

func TestGenerateHillshadeMemoizes(t *testing.T) {
	gebco := writePanel(t, t.TempDir(), "gebco_2024.tif")

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	output, err := mgr.GenerateHillshade(context.Background(), gebco)
	require.NoError(t, err)
	assert.Equal(t, "gebco_2024_hillshade.tif", filepath.Base(output))
	require.Len(t, commands, 1)
	assert.Equal(t, "gdaldem", commands[0].Args[0])
	assert.Contains(t, commands[0].Args, "hillshade")
	assert.Contains(t, commands[0].Args, "-compute_edges")

	_, err = mgr.GenerateHillshade(context.Background(), gebco)
	require.NoError(t, err)
	assert.Len(t, commands, 1)
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
}

func TestCreateMasksExtractsArchives(t *testing.T) {
	archiveDir := t.TempDir()
	writeZip(t, filepath.Join(archiveDir, "ne_10m_land.zip"), map[string]string{
		"ne_10m_land.shp": "shapefile bytes",
	})
	writeZip(t, filepath.Join(archiveDir, "ne_10m_ocean.zip"), map[string]string{
		"ne_10m_ocean.shp": "shapefile bytes",
	})

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	destination, err := mgr.CreateMasks(context.Background(), archiveDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(destination, "ne_10m_land", "ne_10m_land.shp"))
	assert.FileExists(t, filepath.Join(destination, "ne_10m_ocean", "ne_10m_ocean.shp"))

	// A second run reuses the extracted masks.
	infoBefore, err := os.Stat(filepath.Join(destination, "ne_10m_land", "ne_10m_land.shp"))
	require.NoError(t, err)
	_, err = mgr.CreateMasks(context.Background(), archiveDir)
	require.NoError(t, err)
	infoAfter, err := os.Stat(filepath.Join(destination, "ne_10m_land", "ne_10m_land.shp"))
	require.NoError(t, err)
	assert.Equal(t, infoBefore.ModTime(), infoAfter.ModTime())
}

func TestCreateMasksSingleArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "ne_10m_land.zip")
	writeZip(t, archivePath, map[string]string{"ne_10m_land.shp": "shapefile bytes"})

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	destination, err := mgr.CreateMasks(context.Background(), archivePath)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(destination, "ne_10m_land.shp"))
}

func TestCreateMasksRejectsUnsupportedInput(t *testing.T) {
	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	_, err := mgr.CreateMasks(context.Background(), filepath.Join(t.TempDir(), "nope.tar"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
}

func TestCreateCOG(t *testing.T) {
	raster := writePanel(t, t.TempDir(), "bmng_mosaic_normalized.tif")

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	output, err := mgr.CreateCOG(context.Background(), raster)
	require.NoError(t, err)
	assert.Equal(t, "bmng_mosaic_normalized_cog.tif", filepath.Base(output))

	require.Len(t, commands, 1)
	assert.Contains(t, commands[0].Args, "COG")
	assert.Contains(t, commands[0].Args, "COMPRESS=JPEG")
}

func TestBlendLayersClampsOpacity(t *testing.T) {
	dir := t.TempDir()
	base := writePanel(t, dir, "base.tif")
	overlay := writePanel(t, dir, "hillshade.tif")

	var commands []runner.Command
	mgr := newRecordingManager(t, &commands)

	output, err := mgr.BlendLayers(context.Background(), base, overlay, 1.7)
	require.NoError(t, err)
	assert.Equal(t, "base_blended.tif", filepath.Base(output))

	require.Len(t, commands, 1)
	assert.Equal(t, "gdal_calc.py", commands[0].Args[0])
	assert.Contains(t, commands[0].Args, "A*(1-1)+B*(1)")
}
