// Package catalog loads the static asset catalog describing every
// downloadable source dataset: candidate URLs, destination paths,
// licensing and optional expected checksums. The catalog is read-only
// after load.
package catalog

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/glorpus-work/planetile/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Record describes a single downloadable asset. Records are immutable once
// the catalog is loaded.
type Record struct {
	ID          string   `yaml:"-"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	URLs        []string `yaml:"urls"`
	Destination string   `yaml:"destination"`
	License     string   `yaml:"license"`
	Attribution string   `yaml:"attribution"`
	MediaType   string   `yaml:"media_type"`
	// Checksum is the optional expected SHA-256 digest. When set, a
	// downloaded or cached file whose digest differs is rejected.
	Checksum string `yaml:"checksum"`
}

// TargetPath returns the resolved path for the asset inside the data directory.
func (r *Record) TargetPath(dataDir string) string {
	abs, err := filepath.Abs(filepath.Join(dataDir, r.Destination))
	if err != nil {
		return filepath.Join(dataDir, r.Destination)
	}
	return abs
}

// Catalog is the in-memory representation of the asset catalog.
type Catalog struct {
	records map[string]*Record
}

type catalogFile struct {
	Assets map[string]*Record `yaml:"assets"`
}

// New builds a catalog from a mapping of asset id to record. Intended for
// tests and embedded defaults.
func New(records map[string]*Record) *Catalog {
	for id, rec := range records {
		rec.ID = id
		if rec.MediaType == "" {
			rec.MediaType = "unknown"
		}
	}
	return &Catalog{records: records}
}

// Load reads a catalog YAML document of the form `assets: {id: {...}}`.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog file %s", path)
	}
	var payload catalogFile
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(errors.ErrCatalogParse, err.Error())
	}
	if payload.Assets == nil {
		payload.Assets = map[string]*Record{}
	}
	return New(payload.Assets), nil
}

// Get returns the record for an asset id or ErrAssetUnknown.
func (c *Catalog) Get(assetID string) (*Record, error) {
	rec, ok := c.records[assetID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrAssetUnknown, "asset %q", assetID)
	}
	return rec, nil
}

// Has reports whether an asset id exists in the catalog.
func (c *Catalog) Has(assetID string) bool {
	_, ok := c.records[assetID]
	return ok
}

// FindMany resolves a list of asset ids, failing on the first unknown id.
func (c *Catalog) FindMany(assetIDs []string) ([]*Record, error) {
	records := make([]*Record, 0, len(assetIDs))
	for _, id := range assetIDs {
		rec, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// IDs returns all asset ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
