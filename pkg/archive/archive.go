// Package archive bundles acquired raster outputs into compressed artifacts
// and extracts vector source archives (Natural Earth shapefile zips) for the
// processing stage.
package archive

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mholt/archives"

	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
)

// Manager handles archive extraction and creation operations.
type Manager struct{}

// NewManager creates a new Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// ExtractAll extracts every file from an archive into destDir. The archive
// format is detected from the file contents.
func (am *Manager) ExtractAll(ctx context.Context, archivePath, destDir string) error {
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive %s", archivePath)
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	if err := fsutil.EnsureDir(destDir); err != nil {
		return errors.Wrap(err, "failed to create destination directory")
	}

	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return am.extractEntry(fsys, path, destDir, d)
	})
}

// CreateFromFiles writes a tar.gz archive containing the given files at the
// archive root. Bundles of per-tile raster outputs are built this way.
func (am *Manager) CreateFromFiles(ctx context.Context, files []string, archivePath string) error {
	mapping := make(map[string]string, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve %s", f)
		}
		mapping[abs] = filepath.Base(abs)
	}

	archiveFiles, err := archives.FilesFromDisk(ctx, nil, mapping)
	if err != nil {
		return errors.Wrap(err, "failed to read files from disk")
	}
	return am.write(ctx, archiveFiles, archivePath)
}

// Create creates a tar.gz archive from the contents of sourceDir.
func (am *Manager) Create(ctx context.Context, sourceDir, archivePath string) error {
	absolutePath, err := filepath.Abs(sourceDir)
	if err != nil {
		return errors.Wrap(err, "failed to resolve source directory")
	}

	archiveFiles, err := archives.FilesFromDisk(ctx, nil, map[string]string{
		absolutePath + string(os.PathSeparator): "",
	})
	if err != nil {
		return errors.Wrap(err, "failed to read files from disk")
	}
	return am.write(ctx, archiveFiles, archivePath)
}

func (am *Manager) write(ctx context.Context, archiveFiles []archives.FileInfo, archivePath string) error {
	if err := fsutil.EnsureFileDir(archivePath); err != nil {
		return errors.Wrap(err, "failed to create archive directory")
	}

	// Write to a sibling first so a crash never leaves a readable but
	// truncated archive behind.
	tmpPath := archivePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}

	format := archives.CompressedArchive{
		Compression: archives.Gz{},
		Archival:    archives.Tar{},
	}

	if err := format.Archive(ctx, file, archiveFiles); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to create archive")
	}

	_ = file.Sync()
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close archive")
	}
	return os.Rename(tmpPath, archivePath)
}

func (am *Manager) extractEntry(fsys fs.FS, path, destDir string, d fs.DirEntry) error {
	if path == "." {
		return nil
	}

	targetPath := filepath.Join(destDir, path)

	if d.IsDir() {
		return fsutil.EnsureDir(targetPath)
	}

	info, err := d.Info()
	if err != nil {
		return errors.Wrapf(err, "failed to get file info for %s", path)
	}

	srcFile, err := fsys.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive entry %s", path)
	}
	defer func() { _ = srcFile.Close() }()

	if err := fsutil.EnsureFileDir(targetPath); err != nil {
		return errors.Wrapf(err, "failed to create parent directory for %s", path)
	}

	dstFile, err := fsutil.CreateFilePerm(targetPath, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "failed to create destination file %s", targetPath)
	}
	defer func() { _ = dstFile.Close() }()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return errors.Wrapf(err, "failed to copy %s", path)
	}
	return nil
}
