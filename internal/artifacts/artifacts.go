// Package artifacts collects a build's output directory out of its
// container and records each resulting file with retention metadata.
package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/corvus-ci/ando-control-plane/internal/util"
)

// sourceDirectory is the fixed in-container path artifacts are collected
// from, per the workspace contract.
const sourceDirectory = "/workspace/artifacts/."

// Copier is the subset of ContainerRuntime Collect needs.
type Copier interface {
	CopyOut(ctx context.Context, containerID, srcPath, destDirOnHost string) error
}

// ArtifactStore is the subset of store.Store Collect needs.
type ArtifactStore interface {
	InsertArtifact(artifact *models.BuildArtifact) error
}

// Collector copies a build's artifacts directory to host storage and
// records one BuildArtifact row per file.
type Collector struct {
	runtime       Copier
	store         ArtifactStore
	artifactsRoot string
	retentionDays int
}

// NewCollector constructs a Collector. artifactsRoot is the configured base
// directory artifacts are stored under; retentionDays sets each artifact's
// expiresAt relative to its createdAt.
func NewCollector(runtime Copier, store ArtifactStore, artifactsRoot string, retentionDays int) *Collector {
	return &Collector{
		runtime:       runtime,
		store:         store,
		artifactsRoot: artifactsRoot,
		retentionDays: retentionDays,
	}
}

// Collect copies /workspace/artifacts/. from containerID into a staging
// directory, then recursively copies that staging directory into
// {artifactsRoot}/{projectID}/{buildID}/ and records a BuildArtifact row per
// resulting file. The staging hop, via util.CopyDirectory, gives collected
// output a second symlink-rejection pass independent of the tar extraction
// that landed it on the host. An absent or empty source directory is not an
// error — it simply yields zero artifacts. I/O failures are returned to the
// caller, which per the orchestrator's policy logs them without failing the
// build.
func (c *Collector) Collect(ctx context.Context, buildID, projectID int64, containerID string) error {
	destDir := filepath.Join(c.artifactsRoot, fmt.Sprint(projectID), fmt.Sprint(buildID))

	stagingDir, err := os.MkdirTemp("", "ando-artifacts-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := c.runtime.CopyOut(ctx, containerID, sourceDirectory, stagingDir); err != nil {
		return fmt.Errorf("failed to copy artifacts out of container %q: %w", containerID, err)
	}

	if isEmptyDir(stagingDir) {
		return nil // nothing collected: zero artifacts, not an error
	}

	if err := util.CopyDirectory(stagingDir, destDir); err != nil {
		return fmt.Errorf("failed to stage collected artifacts into %q: %w", destDir, err)
	}

	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 0, c.retentionDays)

	return filepath.WalkDir(destDir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil // empty/absent source directory: zero artifacts, not an error
			}
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(c.artifactsRoot, path)
		if err != nil {
			return fmt.Errorf("failed to compute artifact storage path for %q: %w", path, err)
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat collected artifact %q: %w", path, err)
		}

		artifact := models.BuildArtifact{
			BuildID:     buildID,
			Name:        entry.Name(),
			StoragePath: relPath,
			SizeBytes:   info.Size(),
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
		}
		if err := c.store.InsertArtifact(&artifact); err != nil {
			return fmt.Errorf("failed to record artifact %q: %w", relPath, err)
		}
		return nil
	})
}

// isEmptyDir reports whether dir contains no entries, including the case
// where CopyOut found nothing to extract and dir was never created.
func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}
