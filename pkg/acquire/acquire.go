// Package acquire coordinates the source datasets feeding the pipeline. Each
// remote protocol (plain HTTP panels, batch task APIs, WMS tile grids, STAC
// search, XYZ tile services) is wrapped in a Source so the acquire stage can
// run them uniformly and report per-source outcomes.
package acquire

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/download"
	"github.com/glorpus-work/planetile/pkg/manifest"
)

// Summary holds free-form details about what a source produced. Its contents
// end up in the manifest's generation parameters.
type Summary map[string]any

// Source is one acquirable dataset.
type Source interface {
	Name() string
	Acquire(ctx context.Context) (Summary, error)
}

// Result pairs a source with its outcome. The coordinator never decides
// whether a failed source aborts the stage; callers inspect Err and choose.
type Result struct {
	Source  string
	Summary Summary
	Err     error
}

// Coordinator fans the acquire stage over its enabled sources.
type Coordinator struct {
	sources  []Source
	manager  *download.Manager
	manifest string
	version  string
}

// NewCoordinator creates a coordinator writing its manifest to manifestPath.
func NewCoordinator(manager *download.Manager, manifestPath, version string, sources ...Source) *Coordinator {
	return &Coordinator{
		sources:  sources,
		manager:  manager,
		manifest: manifestPath,
		version:  version,
	}
}

// Run acquires every source in order and returns one result per source.
// Sources run to completion even when an earlier one failed, so a single
// unreachable service does not waste the work of the others.
func (c *Coordinator) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(c.sources))
	for _, src := range c.sources {
		if ctx.Err() != nil {
			results = append(results, Result{Source: src.Name(), Err: ctx.Err()})
			continue
		}
		logger.Info("acquiring source", logger.Fields{"source": src.Name()})
		summary, err := src.Acquire(ctx)
		if err != nil {
			logger.Error("source acquisition failed", logger.Fields{
				"source": src.Name(),
				"error":  err.Error(),
			})
		} else {
			logger.Success("source acquired", logger.Fields{"source": src.Name()})
		}
		results = append(results, Result{Source: src.Name(), Summary: summary, Err: err})
	}
	return results
}

// GenerateManifest builds the asset manifest from the download manager's
// results table and writes it next to the acquired data. In dry-run mode
// the manifest is built and returned but never persisted.
func (c *Coordinator) GenerateManifest(params map[string]any) (*manifest.Manifest, error) {
	m, err := manifest.Build(c.manager.Results(), params, c.version)
	if err != nil {
		return nil, err
	}
	if c.manifest != "" {
		if c.manager.DryRun() {
			logger.Info("dry-run: skipping manifest write", logger.Fields{
				"path":    c.manifest,
				"sources": len(m.Sources),
			})
			return m, nil
		}
		if err := m.Write(c.manifest); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeJSON(r io.Reader, dest any) error {
	return json.NewDecoder(r).Decode(dest)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
