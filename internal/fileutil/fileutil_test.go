package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/undoable-org/undoable/internal/fileutil"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	t.Run("CreatesFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "out.json")
		err := fileutil.WriteFileAtomic(path, []byte(`{"version":1}`), 0600)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, `{"version":1}`, string(data))
	})
	t.Run("ReplacesExisting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.json")
		require.NoError(t, fileutil.WriteFileAtomic(path, []byte("old"), 0600))
		require.NoError(t, fileutil.WriteFileAtomic(path, []byte("new"), 0600))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "new", string(data))
	})
	t.Run("LeavesNoTempFiles", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, fileutil.WriteFileAtomic(filepath.Join(dir, "a"), []byte("x"), 0600))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})
}

func TestOpenOrCreateFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "log.jsonl")
	f, err := fileutil.OpenOrCreateFile(path)
	require.NoError(t, err)
	_, err = f.WriteString("line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Appends rather than truncating.
	f, err = fileutil.OpenOrCreateFile(path)
	require.NoError(t, err)
	_, err = f.WriteString("line2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "line\nline2\n", string(data))
}

func TestTruncString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", fileutil.TruncString("abc", 10))
	require.Equal(t, "ab", fileutil.TruncString("abc", 2))
	require.Equal(t, "", fileutil.TruncString("abc", 0))
}

func TestIsYAMLFile(t *testing.T) {
	t.Parallel()

	require.True(t, fileutil.IsYAMLFile("workflow.yaml"))
	require.True(t, fileutil.IsYAMLFile("workflow.YML"))
	require.False(t, fileutil.IsYAMLFile("workflow.json"))
}
