package acquire

import (
	"context"
	"path/filepath"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
)

// Catalog asset ids for the fixed panel datasets.
var bmng500mPanelIDs = []string{
	"bmng_2004_aug_500m_a1",
	"bmng_2004_aug_500m_a2",
	"bmng_2004_aug_500m_b1",
	"bmng_2004_aug_500m_b2",
	"bmng_2004_aug_500m_c1",
	"bmng_2004_aug_500m_c2",
	"bmng_2004_aug_500m_d1",
	"bmng_2004_aug_500m_d2",
}

const bmng2kmGlobalID = "bmng_2004_aug_2km_global"

const gebcoGridID = "gebco_latest_grid"

var naturalEarthIDs = []string{
	"natural_earth_land_10m",
	"natural_earth_ocean_10m",
	"natural_earth_coastline_10m",
}

// CoreSource acquires the always-required raster and vector foundations:
// the Blue Marble basemap, the GEBCO bathymetry grid, and the Natural Earth
// mask layers. Everything goes through the download cache manager, so a
// rerun touches the network only for missing files.
type CoreSource struct {
	manager    *download.Manager
	resolution string
	force      bool
}

// NewCoreSource creates the panel-based source. resolution selects the Blue
// Marble variant, "500m" for the eight-panel set.
func NewCoreSource(manager *download.Manager, resolution string, force bool) *CoreSource {
	return &CoreSource{manager: manager, resolution: resolution, force: force}
}

func (s *CoreSource) Name() string { return "core" }

// Acquire downloads BMNG, GEBCO, and Natural Earth in that order.
func (s *CoreSource) Acquire(ctx context.Context) (Summary, error) {
	bmngPath, downgraded, err := s.downloadBMNG(ctx)
	if err != nil {
		return nil, err
	}

	gebco, err := s.manager.Download(ctx, gebcoGridID, s.force)
	if err != nil {
		return nil, err
	}

	if _, err := s.manager.DownloadMany(ctx, naturalEarthIDs, s.force); err != nil {
		return nil, err
	}

	return Summary{
		"bmng_path":       bmngPath,
		"bmng_downgraded": downgraded,
		"gebco_path":      gebco.Path,
		"natural_earth":   filepath.Join(s.manager.DataDir(), "natural_earth"),
	}, nil
}

// downloadBMNG fetches the eight 500m panels, downgrading to the single 2km
// global asset when the panel set cannot be completed.
func (s *CoreSource) downloadBMNG(ctx context.Context) (path string, downgraded bool, err error) {
	if s.resolution == "500m" {
		if _, panelErr := s.manager.DownloadMany(ctx, bmng500mPanelIDs, s.force); panelErr == nil {
			return filepath.Join(s.manager.DataDir(), "bmng", "500m"), false, nil
		} else if ctx.Err() != nil {
			return "", false, panelErr
		} else {
			logger.Warn("500m BMNG panels unavailable, falling back to 2km", logger.Fields{
				"error": panelErr.Error(),
			})
		}
	}

	result, err := s.manager.Download(ctx, bmng2kmGlobalID, s.force)
	if err != nil {
		return "", false, errors.Wrap(err, "BMNG fallback failed")
	}
	return result.Path, s.resolution == "500m", nil
}
