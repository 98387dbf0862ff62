package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeCopier struct {
	writeFile string // relative path to write under destDirOnHost, simulating a copied artifact
	content   string
	skip      bool // simulate an absent source directory: write nothing
}

func (f *fakeCopier) CopyOut(_ context.Context, _, _, destDirOnHost string) error {
	if f.skip {
		return os.MkdirAll(destDirOnHost, 0755)
	}
	if err := os.MkdirAll(destDirOnHost, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDirOnHost, f.writeFile), []byte(f.content), 0644)
}

type fakeArtifactStore struct {
	inserted []models.BuildArtifact
}

func (f *fakeArtifactStore) InsertArtifact(artifact *models.BuildArtifact) error {
	f.inserted = append(f.inserted, *artifact)
	return nil
}

func TestCollectRecordsOneArtifactPerFile(t *testing.T) {
	root := t.TempDir()
	copier := &fakeCopier{writeFile: "out.txt", content: "hello world!!"}
	store := &fakeArtifactStore{}
	collector := NewCollector(copier, store, root, 30)

	require.NoError(t, collector.Collect(context.Background(), 42, 7, "container-id"))

	require.Len(t, store.inserted, 1)
	require.Equal(t, "out.txt", store.inserted[0].Name)
	require.Equal(t, int64(13), store.inserted[0].SizeBytes)
	require.True(t, store.inserted[0].ExpiresAt.After(store.inserted[0].CreatedAt))
}

func TestCollectEmptySourceDirectoryIsNotAnError(t *testing.T) {
	root := t.TempDir()
	copier := &fakeCopier{skip: true}
	store := &fakeArtifactStore{}
	collector := NewCollector(copier, store, root, 30)

	require.NoError(t, collector.Collect(context.Background(), 42, 7, "container-id"))
	require.Empty(t, store.inserted)
}
