package tiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		processing string
		modisHint  string
		want       SourceKind
		wantErr    bool
	}{
		{name: "default is bmng", want: SourceBMNG},
		{name: "explicit wins", processing: "viirs", modisHint: "modis", want: SourceViirs},
		{name: "legacy modis hint", modisHint: "modis", want: SourceModis},
		{name: "case normalized", processing: "Copernicus", want: SourceCopernicus},
		{name: "whitespace trimmed", processing: " gsi_orthophotos ", want: SourceGSI},
		{name: "blend resolves", processing: "blend", want: SourceBlend},
		{name: "unknown value", processing: "landsat", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Processing.TileSource = tc.processing
			cfg.Modis.TileSource = tc.modisHint

			kind, err := Resolve(cfg)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrConfigValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, kind)
		})
	}
}

func TestSelectInput(t *testing.T) {
	processingDir := t.TempDir()
	for _, name := range []string{
		"bmng_mosaic_normalized_cog.tif",
		"modis_2024152_rgb_cog.tif",
		"viirs_2024152_rgb_cog.tif",
		"copernicus_true_color_cog.tif",
		"gsi_ortho_tokyo_cog.tif",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(processingDir, name), []byte("raster"), 0o644))
	}

	tests := []struct {
		kind SourceKind
		want string
	}{
		{SourceBMNG, "bmng_mosaic_normalized_cog.tif"},
		{SourceModis, "modis_2024152_rgb_cog.tif"},
		{SourceViirs, "viirs_2024152_rgb_cog.tif"},
		{SourceCopernicus, "copernicus_true_color_cog.tif"},
		{SourceGSI, "gsi_ortho_tokyo_cog.tif"},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			path, err := SelectInput(processingDir, tc.kind, "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, filepath.Base(path))
		})
	}
}

func TestSelectInputCustomGSIBasename(t *testing.T) {
	processingDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(processingDir, "tokyo_station_cog.tif"), []byte("raster"), 0o644))

	path, err := SelectInput(processingDir, SourceGSI, "tokyo_station")
	require.NoError(t, err)
	assert.Equal(t, "tokyo_station_cog.tif", filepath.Base(path))

	// The default glob would miss a basename that does not start with gsi.
	_, err = SelectInput(processingDir, SourceGSI, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
}

func TestSelectInputPrefersBlendedBMNG(t *testing.T) {
	processingDir := t.TempDir()
	for _, name := range []string{
		"bmng_mosaic_normalized_cog.tif",
		"bmng_mosaic_normalized_blended_cog.tif",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(processingDir, name), []byte("raster"), 0o644))
	}

	path, err := SelectInput(processingDir, SourceBMNG, "")
	require.NoError(t, err)
	assert.Equal(t, "bmng_mosaic_normalized_blended_cog.tif", filepath.Base(path))
}

func TestSelectInputMissingNamesPatternAndStage(t *testing.T) {
	_, err := SelectInput(t.TempDir(), SourceModis, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactMissing)
	assert.Contains(t, err.Error(), "modis_*_rgb_cog.tif")
	assert.Contains(t, err.Error(), "process stage")
}

func TestSelectInputBlendNotImplemented(t *testing.T) {
	_, err := SelectInput(t.TempDir(), SourceBlend, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotImplemented)
}

func TestSelectInputPicksFirstSorted(t *testing.T) {
	processingDir := t.TempDir()
	for _, name := range []string{"modis_2024200_rgb_cog.tif", "modis_2024152_rgb_cog.tif"} {
		require.NoError(t, os.WriteFile(filepath.Join(processingDir, name), []byte("raster"), 0o644))
	}

	path, err := SelectInput(processingDir, SourceModis, "")
	require.NoError(t, err)
	assert.Equal(t, "modis_2024152_rgb_cog.tif", filepath.Base(path))
}
