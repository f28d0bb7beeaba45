// Package memo implements the source-hash memoization layer: before an
// expensive processing step runs, its declared input files are hashed and
// compared against a sidecar recorded after the previous successful run.
// A match means the existing output can be reused.
package memo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
)

// SourceEntry records one input file's path and content hash.
type SourceEntry struct {
	Path string `json:"path"`
	MD5  string `json:"md5"`
}

type sidecar struct {
	Sources map[string]SourceEntry `json:"sources"`
}

// Recorder decides skip-vs-recompute for memoized operations and persists
// sidecars after successful runs.
type Recorder struct {
	dryRun bool
}

// NewRecorder creates a Recorder. In dry-run mode reuse is never claimed
// and nothing is persisted: dry-run produces no real outputs to verify
// against.
func NewRecorder(dryRun bool) *Recorder {
	return &Recorder{dryRun: dryRun}
}

// SidecarPath returns the conventional sidecar location for an output:
// the output path with ".hash.json" appended, or ".hash.json" inside the
// output when the output is an extensionless directory.
func SidecarPath(output string) string {
	if filepath.Ext(output) != "" {
		return output + ".hash.json"
	}
	return filepath.Join(output, ".hash.json")
}

// ShouldReuse reports whether the output can be reused instead of
// recomputed. It is true only when the output and sidecar both exist, the
// sidecar parses, every declared source file still exists with the hash
// the sidecar recorded, and the sidecar's role count equals the declared
// role count (so added or removed sources invalidate, not just changed
// ones). Orphaned sidecars or outputs simply disable reuse.
func (r *Recorder) ShouldReuse(output, sidecarPath string, declared map[string]string) bool {
	if r.dryRun {
		return false
	}
	if _, err := os.Stat(output); err != nil {
		return false
	}
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return false
	}
	var recorded sidecar
	if err := json.Unmarshal(data, &recorded); err != nil {
		return false
	}
	if len(recorded.Sources) != len(declared) {
		return false
	}
	for role, sourcePath := range declared {
		if _, err := os.Stat(sourcePath); err != nil {
			return false
		}
		entry, ok := recorded.Sources[role]
		if !ok {
			return false
		}
		current, err := download.MD5Of(sourcePath)
		if err != nil || entry.MD5 != current {
			return false
		}
	}
	return true
}

// Record hashes the declared sources and persists the sidecar. Failure to
// persist is logged, not returned: a missing sidecar only disables future
// reuse, it does not invalidate the output that was just produced.
func (r *Recorder) Record(sidecarPath string, declared map[string]string) {
	if r.dryRun {
		return
	}
	payload := sidecar{Sources: make(map[string]SourceEntry, len(declared))}
	for role, sourcePath := range declared {
		resolved, err := filepath.Abs(sourcePath)
		if err != nil {
			resolved = sourcePath
		}
		if _, err := os.Stat(resolved); err != nil {
			continue
		}
		digest, err := download.MD5Of(resolved)
		if err != nil {
			logger.Warn("failed to hash memo source", logger.Fields{"path": resolved, "error": err.Error()})
			continue
		}
		payload.Sources[role] = SourceEntry{Path: resolved, MD5: digest}
	}
	data, err := json.MarshalIndent(&payload, "", "  ")
	if err != nil {
		logger.Warn("failed to encode hash sidecar", logger.Fields{"path": sidecarPath, "error": err.Error()})
		return
	}
	if err := fsutil.EnsureFileDir(sidecarPath); err != nil {
		logger.Warn("failed to create sidecar directory", logger.Fields{"path": sidecarPath, "error": err.Error()})
		return
	}
	if err := os.WriteFile(sidecarPath, data, fsutil.FileModeDefault); err != nil {
		logger.Warn("failed to persist hash sidecar", logger.Fields{"path": sidecarPath, "error": err.Error()})
	}
}

// Roles builds a stable role→path mapping for a set of source files: the
// paths are resolved to absolute form, de-duplicated and sorted, then
// keyed as prefix_01, prefix_02, ... so the same file set always yields
// the same roles.
func Roles(prefix string, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidPath, "no source paths for role prefix %q", prefix)
	}
	seen := make(map[string]struct{}, len(paths))
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve source path %s", p)
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		resolved = append(resolved, abs)
	}
	sort.Strings(resolved)
	roles := make(map[string]string, len(resolved))
	for i, p := range resolved {
		roles[fmt.Sprintf("%s_%02d", prefix, i+1)] = p
	}
	return roles, nil
}
