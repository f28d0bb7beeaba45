// Package manifest builds, persists and verifies the provenance record of
// an acquire run: which asset versions, from which URLs, with which
// digests, fed the build.
package manifest

import (
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
)

// Source describes one upstream dataset and its provenance. Null fields
// are omitted from the serialized form.
type Source struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	// Path is the resolved location of the acquired file. Verification
	// falls back to it for assets registered outside the catalog.
	Path        string `json:"path,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	License     string `json:"license,omitempty"`
	Attribution string `json:"attribution,omitempty"`
}

// Manifest records the datasets and parameters used to build an artifact.
// Serialization is deterministic apart from CreatedAt: sources is a map
// and encoding/json emits map keys in sorted order.
type Manifest struct {
	Version          string                 `json:"version"`
	CreatedAt        time.Time              `json:"created_at"`
	GenerationParams map[string]interface{} `json:"generation_params"`
	Sources          map[string]Source      `json:"sources"`
}

// Build assembles a manifest from the download results table. The version
// string must parse as a semantic version.
func Build(results map[string]*download.Result, params map[string]interface{}, version string) (*Manifest, error) {
	if _, err := goversion.NewVersion(version); err != nil {
		return nil, errors.Wrapf(errors.ErrConfigValidation, "manifest version %q is not a semantic version: %v", version, err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	sources := make(map[string]Source, len(results))
	for assetID, result := range results {
		src := Source{
			URL:      result.URL,
			Path:     result.Path,
			FileSize: result.Size,
			SHA256:   result.SHA256,
		}
		if result.Record != nil {
			src.Name = result.Record.Name
			src.License = result.Record.License
			src.Attribution = result.Record.Attribution
		}
		sources[assetID] = src
	}
	return &Manifest{
		Version:          version,
		CreatedAt:        time.Now().UTC(),
		GenerationParams: params,
		Sources:          sources,
	}, nil
}

// Marshal serializes the manifest with stable formatting.
func (m *Manifest) Marshal() ([]byte, error) {
	out := *m
	out.CreatedAt = m.CreatedAt.UTC().Truncate(time.Second)
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	return append(data, '\n'), nil
}

// Write persists the manifest to path, creating parent directories.
func (m *Manifest) Write(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := fsutil.EnsureFileDir(path); err != nil {
		return errors.Wrap(err, "could not create manifest directory")
	}
	if err := os.WriteFile(path, data, fsutil.FileModeDefault); err != nil {
		return errors.Wrap(err, "could not write manifest")
	}
	return nil
}

// Read loads a previously written manifest.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	return &m, nil
}

// Verify checks every manifest source against the catalog and the files on
// disk, recomputing digests. All integrity problems are accumulated so the
// operator sees every failure in one pass.
func (m *Manifest) Verify(cat *catalog.Catalog, dataDir string) error {
	var problems []error
	for assetID, source := range m.Sources {
		var path string
		if rec, err := cat.Get(assetID); err == nil {
			path = rec.TargetPath(dataDir)
		} else if source.Path != "" {
			// Assets registered by acquisition sources carry their
			// resolved path instead of a catalog destination.
			path = source.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(dataDir, path)
			}
		} else {
			problems = append(problems, errors.Wrapf(errors.ErrAssetUnknown, "manifest references %q", assetID))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			problems = append(problems, errors.Wrapf(errors.ErrArtifactMissing, "asset %s: %s", assetID, path))
			continue
		}
		computed, err := download.SHA256Of(path)
		if err != nil {
			problems = append(problems, errors.Wrapf(err, "asset %s", assetID))
			continue
		}
		if source.SHA256 != "" && source.SHA256 != computed {
			problems = append(problems, errors.Wrapf(errors.ErrChecksumMismatch,
				"asset %s: manifest %s, on disk %s", assetID, source.SHA256, computed))
		}
	}
	// stderrors.Join keeps each accumulated problem addressable via
	// errors.Is; it returns nil for an empty slice.
	return stderrors.Join(problems...)
}
