package storagelayout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesFixedSubtree(t *testing.T) {
	root := t.TempDir()
	l, err := New(filepath.Join(root, "data"))
	require.NoError(t, err)

	for _, dir := range []string{l.UploadsDir(), l.OutputsDir(), l.VectorsDir(), l.HistoryDir(), l.LogDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestUploadPathCreatesParentDir(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := l.UploadPath("upload-1", "episode.mp3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.UploadsDir(), "upload-1", "episode.mp3"), path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestArtifactPathNaming(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := l.ArtifactPath("rec-1", "stt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.OutputsDir(), "rec-1", "rec-1.stt.md"), path)
}

func TestWriteFileAtomicRoundTrips(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(l.HistoryDir(), "history.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"schema_version":1}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"schema_version":1}`, string(data))

	// No leftover temp file.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomicOverwritesExisting(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(l.HistoryDir(), "history.json")
	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestLogCorruptFileQuarantinesAndPreservesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	badPath, err := LogCorruptFile(path)
	require.NoError(t, err)
	assert.Contains(t, badPath, ".bad.")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(badPath)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(data))
}

func TestRotatingWriterRollsOverPastMaxBytes(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	w := NewRotatingWriter(l, 8)
	_, err = w.Write([]byte("12345"))
	require.NoError(t, err)

	// Crosses the threshold; next write opens a fresh (or same-minute) file
	// rather than erroring.
	_, err = w.Write([]byte("67890"))
	require.NoError(t, err)

	entries, err := os.ReadDir(l.LogDir())
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCurrentLogFilePathFormatsByMinute(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	path := l.CurrentLogFilePath(now)
	assert.Equal(t, filepath.Join(l.LogDir(), "20260801-0930.log"), path)
}
