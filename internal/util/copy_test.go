package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyDirectoryCopiesRegularFiles(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "out.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "deep.txt"), []byte("world"), 0644))

	require.NoError(t, CopyDirectory(src, dest))

	content, err := os.ReadFile(filepath.Join(dest, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))

	content, err = os.ReadFile(filepath.Join(dest, "nested", "deep.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(content))
}

func TestCopyDirectoryRejectsSymlinks(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.WriteFile(filepath.Join(src, "real.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link.txt")))

	err := CopyDirectory(src, dest)
	require.Error(t, err)
	require.Contains(t, err.Error(), "symlink not allowed")
}

func TestCopyDirectorySourceMustBeDirectory(t *testing.T) {
	src := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	err := CopyDirectory(src, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
}

func TestBuildContainerNameIncludesBuildID(t *testing.T) {
	name := BuildContainerName(42)
	require.Contains(t, name, "ando-build-42-")
}
