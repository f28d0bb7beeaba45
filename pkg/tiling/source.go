package tiling

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/glorpus-work/planetile/pkg/config"
	"github.com/glorpus-work/planetile/pkg/errors"
)

// SourceKind names the raster family the tile pyramid is built from.
type SourceKind string

const (
	SourceBMNG       SourceKind = "bmng"
	SourceModis      SourceKind = "modis"
	SourceViirs      SourceKind = "viirs"
	SourceCopernicus SourceKind = "copernicus"
	SourceGSI        SourceKind = "gsi_orthophotos"
	SourceBlend      SourceKind = "blend"
)

// sourcePatterns maps each source kind to the processing-dir glob that its
// process stage leaves behind. The bmng glob also covers the
// hillshade-blended variant, which sorts first and wins when present.
var sourcePatterns = map[SourceKind]string{
	SourceBMNG:       "*_normalized*_cog.tif",
	SourceModis:      "modis_*_rgb_cog.tif",
	SourceViirs:      "viirs_*_rgb_cog.tif",
	SourceCopernicus: "copernicus_*_cog.tif",
	SourceGSI:        "gsi_*_cog.tif",
}

// sourcePattern resolves the glob for a kind. The GSI pattern follows the
// configured output basename so a renamed mosaic still selects.
func sourcePattern(kind SourceKind, gsiBasename string) (string, bool) {
	if kind == SourceGSI && gsiBasename != "" {
		return gsiBasename + "*_cog.tif", true
	}
	pattern, ok := sourcePatterns[kind]
	return pattern, ok
}

// Resolve picks the tile source from configuration: the explicit
// processing-level value wins, then the legacy per-product hint, then the
// Blue Marble default. Values are case-normalized; unknown values are a
// configuration error.
func Resolve(cfg *config.Config) (SourceKind, error) {
	value := cfg.Processing.TileSource
	if value == "" {
		value = cfg.Modis.TileSource
	}
	if value == "" {
		return SourceBMNG, nil
	}

	kind := SourceKind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case SourceBMNG, SourceModis, SourceViirs, SourceCopernicus, SourceGSI, SourceBlend:
		return kind, nil
	}
	return "", errors.Wrapf(errors.ErrConfigValidation, "unsupported tile_source value: %s", value)
}

// SelectInput locates the raster the tiling stage should consume for the
// given source kind. gsiBasename customizes the gsi_orthophotos glob; empty
// uses the default. It runs before any tiling command so a missing input
// fails fast with the pattern and the stage to re-run.
func SelectInput(processingDir string, kind SourceKind, gsiBasename string) (string, error) {
	if kind == SourceBlend {
		return "", errors.Wrap(errors.ErrNotImplemented, "tile_source=blend is not implemented yet")
	}
	pattern, ok := sourcePattern(kind, gsiBasename)
	if !ok {
		return "", errors.Wrapf(errors.ErrConfigValidation, "unsupported tile source: %s", kind)
	}

	matches, err := filepath.Glob(filepath.Join(processingDir, pattern))
	if err != nil {
		return "", errors.Wrapf(err, "failed to scan %s", processingDir)
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(errors.ErrArtifactMissing,
			"%s tile source selected but no %s found in %s; run the process stage first",
			kind, pattern, processingDir)
	}
	sort.Strings(matches)
	return matches[0], nil
}
