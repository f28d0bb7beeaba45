package acquire

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/archive"
	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
)

// TileRequest asks for one sinusoidal-grid tile on one acquisition date.
type TileRequest struct {
	Tile string
	Date time.Time
}

// BatchSource acquires MODIS or VIIRS tiles through the batch task API.
// Requests are grouped by acquisition date and submitted as one area task
// per date covering all of that date's tile footprints. Any failed task
// fails the entire request. Finished bundles are downloaded once and each
// tile's files are archived into one tar.gz keyed by a catalog-style asset
// id; tiles whose archive already exists skip the remote round-trip.
type BatchSource struct {
	name     string
	prefix   string
	product  string
	layers   []string
	requests []TileRequest
	client   *AppEEARSClient
	archiver *archive.Manager
	manager  *download.Manager
	destDir  string
	force    bool
	dryRun   bool
}

// BatchSourceOptions configure a BatchSource.
type BatchSourceOptions struct {
	Name     string // source name, e.g. "modis" or "viirs"
	Prefix   string // asset id prefix, e.g. "modis_mcd43a4"
	Product  string // remote product id, e.g. "MCD43A4.061"
	Layers   []string
	Requests []TileRequest
	DestDir  string
	Force    bool
	DryRun   bool
}

// NewBatchSource wires a batch source against an API client and the download
// manager's results table.
func NewBatchSource(client *AppEEARSClient, archiver *archive.Manager, manager *download.Manager, opts BatchSourceOptions) *BatchSource {
	return &BatchSource{
		name:     opts.Name,
		prefix:   opts.Prefix,
		product:  opts.Product,
		layers:   opts.Layers,
		requests: opts.Requests,
		client:   client,
		archiver: archiver,
		manager:  manager,
		destDir:  opts.DestDir,
		force:    opts.Force,
		dryRun:   opts.DryRun,
	}
}

func (s *BatchSource) Name() string { return s.name }

// DefaultModisLayers are the MCD43A4 reflectance and quality bands.
func DefaultModisLayers() []string {
	layers := make([]string, 0, 14)
	for i := 1; i <= 7; i++ {
		layers = append(layers, fmt.Sprintf("Nadir_Reflectance_Band%d", i))
	}
	for i := 1; i <= 7; i++ {
		layers = append(layers, fmt.Sprintf("BRDF_Albedo_Band_Mandatory_Quality_Band%d", i))
	}
	return layers
}

// DefaultViirsLayers are the VNP09GA surface reflectance imagery bands.
func DefaultViirsLayers() []string {
	return []string{"SurfReflect_I1_1", "SurfReflect_I2_1", "SurfReflect_I3_1"}
}

// Acquire runs the full batch workflow: skip archived tiles, submit one
// task per date, wait for all tasks, then download and archive per tile.
func (s *BatchSource) Acquire(ctx context.Context) (Summary, error) {
	if len(s.requests) == 0 {
		return Summary{"tiles_requested": 0}, nil
	}

	pending, skipped := s.partitionByArchive()
	if s.dryRun {
		logger.Info("dry-run: would submit batch tasks", logger.Fields{
			"source": s.name,
			"dates":  len(pending),
		})
		return Summary{
			"dry_run":       true,
			"tiles_skipped": len(skipped),
			"date_groups":   len(pending),
		}, nil
	}

	if len(pending) == 0 {
		logger.Info("all batch tiles already archived", logger.Fields{"source": s.name})
		for _, assetID := range skipped {
			if err := s.registerArchive(assetID); err != nil {
				return nil, err
			}
		}
		return Summary{"tiles_skipped": len(skipped), "tiles_archived": 0}, nil
	}

	if err := s.client.Login(ctx); err != nil {
		return nil, err
	}
	defer s.client.Logout(context.WithoutCancel(ctx))

	tasks := make(map[string]string, len(pending))
	dates := make(map[string]dateGroup, len(pending))
	for key, group := range pending {
		task := AreaTask{
			Name:    fmt.Sprintf("%s_%s", s.prefix, key),
			Product: s.product,
			Date:    group.date,
			Layers:  s.layers,
			Tiles:   group.tiles,
		}
		taskID, err := s.client.SubmitAreaTask(ctx, task)
		if err != nil {
			return nil, err
		}
		logger.Info("batch task submitted", logger.Fields{
			"source":  s.name,
			"date":    key,
			"tiles":   len(group.tiles),
			"task_id": taskID,
		})
		tasks[key] = taskID
		dates[key] = group
	}

	outcomes, err := s.client.WaitForTasks(ctx, tasks)
	if err != nil {
		return nil, err
	}
	var failed []string
	for key, ok := range outcomes {
		if !ok {
			failed = append(failed, key)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return nil, errors.Wrapf(errors.ErrTaskFailed,
			"batch tasks failed for dates: %s", strings.Join(failed, ", "))
	}

	archived := 0
	for key, taskID := range tasks {
		count, archiveErr := s.archiveBundle(ctx, key, taskID, dates[key])
		if archiveErr != nil {
			return nil, archiveErr
		}
		archived += count
	}

	for _, assetID := range skipped {
		if err := s.registerArchive(assetID); err != nil {
			return nil, err
		}
	}

	return Summary{
		"tiles_skipped":  len(skipped),
		"tiles_archived": archived,
		"tasks":          len(tasks),
	}, nil
}

type dateGroup struct {
	date  time.Time
	tiles []string
}

// partitionByArchive groups the not-yet-archived requests by date key and
// collects the asset ids of tiles whose archive is already on disk.
func (s *BatchSource) partitionByArchive() (map[string]dateGroup, []string) {
	pending := make(map[string]dateGroup)
	var skipped []string
	for _, req := range s.requests {
		key := dateKey(req.Date)
		assetID := s.assetID(key, req.Tile)
		if !s.force && fileExists(s.archivePath(assetID)) {
			skipped = append(skipped, assetID)
			continue
		}
		group := pending[key]
		group.date = req.Date
		group.tiles = append(group.tiles, req.Tile)
		pending[key] = group
	}
	for key, group := range pending {
		sort.Strings(group.tiles)
		pending[key] = group
	}
	return pending, skipped
}

// archiveBundle downloads a finished task's files and writes one archive per
// tile. A file belongs to the tiles whose id appears in its name; files
// naming no tile (summaries, metadata) are shared across all archives.
func (s *BatchSource) archiveBundle(ctx context.Context, key, taskID string, group dateGroup) (int, error) {
	files, err := s.client.ListBundleFiles(ctx, taskID)
	if err != nil {
		return 0, err
	}

	bundleDir := filepath.Join(s.destDir, key)
	if err := fsutil.EnsureDir(bundleDir); err != nil {
		return 0, err
	}

	perTile := make(map[string][]string, len(group.tiles))
	var shared []string
	for _, file := range files {
		if file.FileID == "" {
			continue
		}
		path, dlErr := s.client.DownloadFile(ctx, taskID, file.FileID, bundleDir, file.FileName)
		if dlErr != nil {
			return 0, dlErr
		}
		lower := strings.ToLower(filepath.Base(path))
		matched := false
		for _, tile := range group.tiles {
			if strings.Contains(lower, strings.ToLower(tile)) {
				perTile[tile] = append(perTile[tile], path)
				matched = true
			}
		}
		if !matched {
			shared = append(shared, path)
		}
	}

	archived := 0
	for _, tile := range group.tiles {
		assetID := s.assetID(key, tile)
		members := append(append([]string{}, perTile[tile]...), shared...)
		if len(members) == 0 {
			logger.Warn("batch task produced no files for tile", logger.Fields{
				"source": s.name,
				"tile":   tile,
				"date":   key,
			})
			continue
		}
		archivePath := s.archivePath(assetID)
		if err := s.archiver.CreateFromFiles(ctx, members, archivePath); err != nil {
			return archived, err
		}
		if err := s.registerArchive(assetID); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// registerArchive records an archive in the download manager's results table
// so the manifest covers batch-acquired tiles.
func (s *BatchSource) registerArchive(assetID string) error {
	path := s.archivePath(assetID)
	digest, err := download.SHA256Of(path)
	if err != nil {
		return err
	}
	size := fileSize(path)
	s.manager.Register(assetID, &download.Result{
		Record: &catalog.Record{
			ID:        assetID,
			Name:      assetID,
			MediaType: "application/gzip",
		},
		Path:   path,
		URL:    s.client.baseURL,
		SHA256: digest,
		Size:   size,
	})
	return nil
}

func (s *BatchSource) assetID(key, tile string) string {
	return fmt.Sprintf("%s_%s_%s", s.prefix, key, strings.ToLower(tile))
}

func (s *BatchSource) archivePath(assetID string) string {
	return filepath.Join(s.destDir, assetID+".tar.gz")
}

// dateKey renders a date as the year plus zero-padded day of year, the
// naming convention batch products use.
func dateKey(t time.Time) string {
	return fmt.Sprintf("%d%03d", t.Year(), t.YearDay())
}
