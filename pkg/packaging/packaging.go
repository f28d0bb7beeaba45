// Package packaging turns MBTiles outputs into distribution-ready PMTiles
// artifacts with TileJSON and license metadata.
package packaging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/protomaps/go-pmtiles/pmtiles"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/runner"
)

// headerLength is the fixed size of a PMTiles v3 header.
const headerLength = 127

// boundsToleranceE7 allows one-millionth of a degree of rounding slack when
// comparing header bounds.
const boundsToleranceE7 = 10

// TileInfo describes a tileset for TileJSON generation and archive
// verification.
type TileInfo struct {
	Name        string
	Description string
	Version     string
	Attribution string
	Bounds      [4]float64
	Center      [3]float64
	MinZoom     int
	MaxZoom     int
	Format      string
	Scheme      string
}

// TileJSON is a TileJSON 3.0.0 document.
type TileJSON struct {
	TileJSON    string     `json:"tilejson"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Attribution string     `json:"attribution"`
	Bounds      [4]float64 `json:"bounds"`
	Center      [3]float64 `json:"center"`
	MinZoom     int        `json:"minzoom"`
	MaxZoom     int        `json:"maxzoom"`
	Format      string     `json:"format"`
	Scheme      string     `json:"scheme"`
	Tiles       []string   `json:"tiles"`
	CreatedAt   string     `json:"created_at"`
}

// Manager assembles the distribution package for a finished tileset.
type Manager struct {
	run    runner.Runner
	dryRun bool
	now    func() time.Time
}

// NewManager creates a packaging manager. A nil runner gets the default
// executor for the dry-run mode.
func NewManager(run runner.Runner, dryRun bool) *Manager {
	if run == nil {
		run = runner.New(dryRun)
	}
	return &Manager{run: run, dryRun: dryRun, now: time.Now}
}

// ConvertToPMTiles converts an MBTiles archive into PMTiles. An empty
// destination places the archive next to the input.
func (m *Manager) ConvertToPMTiles(ctx context.Context, mbtilesPath, destination string) (string, error) {
	if destination == "" {
		destination = strings.TrimSuffix(mbtilesPath, filepath.Ext(mbtilesPath)) + ".pmtiles"
	}
	if !m.dryRun {
		_ = os.Remove(destination)
	}
	if err := m.run.Run(ctx, runner.Command{
		Description: "convert MBTiles to PMTiles",
		Args:        []string{"pmtiles", "convert", mbtilesPath, destination},
	}); err != nil {
		return "", err
	}
	return destination, nil
}

// GenerateTileJSON writes the TileJSON document describing a PMTiles archive.
// An empty destination derives the path from the archive name.
func (m *Manager) GenerateTileJSON(pmtilesPath string, info TileInfo, destination string) (string, error) {
	if destination == "" {
		destination = strings.TrimSuffix(pmtilesPath, filepath.Ext(pmtilesPath)) + ".tilejson.json"
	}

	doc := TileJSON{
		TileJSON:    "3.0.0",
		Name:        info.Name,
		Description: info.Description,
		Version:     info.Version,
		Attribution: info.Attribution,
		Bounds:      info.Bounds,
		Center:      info.Center,
		MinZoom:     info.MinZoom,
		MaxZoom:     info.MaxZoom,
		Format:      strings.ToLower(info.Format),
		Scheme:      info.Scheme,
		Tiles:       []string{"pmtiles://" + filepath.Base(pmtilesPath)},
		CreatedAt:   m.now().UTC().Format(time.RFC3339),
	}
	logger.Info("writing TileJSON metadata", logger.Fields{"path": destination})
	if m.dryRun {
		return destination, nil
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode TileJSON")
	}
	if err := fsutil.WriteFile(destination, payload); err != nil {
		return "", errors.Wrap(err, "failed to write TileJSON")
	}
	return destination, nil
}

// CreateDistribution copies the PMTiles archive, its TileJSON, and the asset
// manifest into a distribution directory together with a license file. A
// missing manifest is skipped. An empty destination creates the directory
// next to the archive.
func (m *Manager) CreateDistribution(pmtilesPath, tilejsonPath, manifestPath, licenseText, destination string) (string, error) {
	if destination == "" {
		destination = filepath.Join(filepath.Dir(pmtilesPath), "distribution")
	}
	logger.Info("assembling distribution package", logger.Fields{"directory": destination})
	if m.dryRun {
		return destination, nil
	}

	if err := fsutil.EnsureDir(destination); err != nil {
		return "", err
	}
	for _, path := range []string{pmtilesPath, tilejsonPath} {
		if err := fsutil.Copy(path, filepath.Join(destination, filepath.Base(path))); err != nil {
			return "", err
		}
	}
	if manifestPath != "" {
		if _, err := os.Stat(manifestPath); err == nil {
			if err := fsutil.Copy(manifestPath, filepath.Join(destination, filepath.Base(manifestPath))); err != nil {
				return "", err
			}
		} else {
			logger.Warn("manifest not found; leaving it out of the distribution", logger.Fields{
				"path": manifestPath,
			})
		}
	}
	licensePath := filepath.Join(destination, "LICENSE_AND_CREDITS.txt")
	if err := fsutil.WriteFile(licensePath, []byte(licenseText)); err != nil {
		return "", errors.Wrap(err, "failed to write license file")
	}
	return destination, nil
}

// Header reads and decodes the PMTiles v3 header of an archive.
func (m *Manager) Header(pmtilesPath string) (pmtiles.HeaderV3, error) {
	var header pmtiles.HeaderV3

	file, err := os.Open(pmtilesPath)
	if err != nil {
		return header, errors.Wrapf(errors.ErrArtifactMissing, "cannot open %s: %v", pmtilesPath, err)
	}
	defer file.Close()

	raw := make([]byte, headerLength)
	if _, err := io.ReadFull(file, raw); err != nil {
		return header, errors.Wrapf(errors.ErrVerifyFailed, "short read on %s: %v", pmtilesPath, err)
	}
	header, err = pmtiles.DeserializeHeader(raw)
	if err != nil {
		return header, errors.Wrapf(errors.ErrVerifyFailed, "bad header in %s: %v", pmtilesPath, err)
	}
	return header, nil
}

// Verify checks that a PMTiles archive's header matches the expected zoom
// range, tile format, and bounds, and that it addresses at least one tile.
func (m *Manager) Verify(pmtilesPath string, info TileInfo) error {
	if m.dryRun {
		logger.Info("skipping archive verification (dry run)", logger.Fields{"path": pmtilesPath})
		return nil
	}

	header, err := m.Header(pmtilesPath)
	if err != nil {
		return err
	}

	if int(header.MinZoom) != info.MinZoom || int(header.MaxZoom) != info.MaxZoom {
		return errors.Wrapf(errors.ErrVerifyFailed,
			"zoom range %d-%d does not match expected %d-%d",
			header.MinZoom, header.MaxZoom, info.MinZoom, info.MaxZoom)
	}
	if expected, ok := expectedTileType(info.Format); ok && uint8(header.TileType) != expected {
		return errors.Wrapf(errors.ErrVerifyFailed,
			"tile type %d does not match format %s", header.TileType, info.Format)
	}
	if header.AddressedTilesCount == 0 {
		return errors.Wrap(errors.ErrVerifyFailed, "archive addresses no tiles")
	}

	corners := [4]struct {
		have int32
		want float64
	}{
		{header.MinLonE7, info.Bounds[0]},
		{header.MinLatE7, info.Bounds[1]},
		{header.MaxLonE7, info.Bounds[2]},
		{header.MaxLatE7, info.Bounds[3]},
	}
	for _, corner := range corners {
		want := degreesE7(corner.want)
		delta := int64(corner.have) - want
		if delta < -boundsToleranceE7 || delta > boundsToleranceE7 {
			return errors.Wrapf(errors.ErrVerifyFailed,
				"header bounds %v do not match expected %v", corner.have, want)
		}
	}

	logger.Success("PMTiles archive verified", logger.Fields{
		"path":  pmtilesPath,
		"tiles": header.AddressedTilesCount,
	})
	return nil
}

// expectedTileType maps a tile format onto the PMTiles v3 tile type code.
func expectedTileType(format string) (uint8, bool) {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return 3, true
	case "png":
		return 2, true
	case "webp":
		return 4, true
	}
	return 0, false
}

func degreesE7(deg float64) int64 {
	if deg < 0 {
		return int64(deg*10000000 - 0.5)
	}
	return int64(deg*10000000 + 0.5)
}
