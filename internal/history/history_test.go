package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"recordroute/internal/apperr"
	"recordroute/internal/storagelayout"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *storagelayout.Layout) {
	t.Helper()
	layout, err := storagelayout.New(t.TempDir())
	require.NoError(t, err)
	store, err := Open(layout)
	require.NoError(t, err)
	return store, layout
}

func TestCreateRecordThenGet(t *testing.T) {
	store, _ := newTestStore(t)

	recordID, err := store.CreateRecord("uploads/a/episode.mp3", FileTypeAudio, "episode.mp3", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, recordID)

	rec, err := store.Get(recordID)
	require.NoError(t, err)
	assert.Equal(t, "episode.mp3", rec.DisplayFilename)
	assert.False(t, rec.CompletedTasks.STT)
}

func TestGetUnknownRecordReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get("does-not-exist")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkCompletedPersistsAcrossReopen(t *testing.T) {
	store, layout := newTestStore(t)

	recordID, err := store.CreateRecord("uploads/a/notes.txt", FileTypeText, "notes.txt", nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkCompleted(recordID, StepSTT, "outputs/rec/rec.stt.md", nil))

	reopened, err := Open(layout)
	require.NoError(t, err)
	rec, err := reopened.Get(recordID)
	require.NoError(t, err)
	assert.True(t, rec.CompletedTasks.STT)
	assert.Equal(t, "outputs/rec/rec.stt.md", rec.ArtifactPaths[StepSTT])
}

func TestResetClearsFlagAndRemovesArtifact(t *testing.T) {
	store, layout := newTestStore(t)

	recordID, err := store.CreateRecord("uploads/a/notes.txt", FileTypeText, "notes.txt", nil)
	require.NoError(t, err)

	artifactPath, err := layout.ArtifactPath(recordID, "summary")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(artifactPath, []byte("a summary"), 0o644))
	require.NoError(t, store.MarkCompleted(recordID, StepSummary, artifactPath, nil))

	result, err := store.Reset(recordID, []Step{StepSummary})
	require.NoError(t, err)
	assert.True(t, result.SummaryReset)
	assert.Contains(t, result.RemovedPaths, artifactPath)

	rec, err := store.Get(recordID)
	require.NoError(t, err)
	assert.False(t, rec.CompletedTasks.Summary)
	_, stillThere := rec.ArtifactPaths[StepSummary]
	assert.False(t, stillThere)

	_, err = os.Stat(artifactPath)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	recordID, err := store.CreateRecord("uploads/a/notes.txt", FileTypeText, "notes.txt", nil)
	require.NoError(t, err)

	_, err = store.Delete(recordID)
	require.NoError(t, err)

	_, err = store.Delete(recordID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateSTTTextInvalidatesDownstreamSteps(t *testing.T) {
	store, layout := newTestStore(t)

	recordID, err := store.CreateRecord("uploads/a/episode.mp3", FileTypeAudio, "episode.mp3", nil)
	require.NoError(t, err)

	sttPath, err := layout.ArtifactPath(recordID, "stt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sttPath, []byte("original transcript"), 0o644))
	require.NoError(t, store.MarkCompleted(recordID, StepSTT, sttPath, nil))
	require.NoError(t, store.MarkCompleted(recordID, StepEmbedding, "outputs/rec/rec.chunks.json", nil))

	summaryPath, err := layout.ArtifactPath(recordID, "summary")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(summaryPath, []byte("a summary"), 0o644))
	title := "Episode summary"
	require.NoError(t, store.MarkCompleted(recordID, StepSummary, summaryPath, &title))

	result, err := store.UpdateSTTText(recordID, "corrected transcript")
	require.NoError(t, err)
	assert.True(t, result.HadEmbedding)
	assert.True(t, result.HadSummaryPath)

	rec, err := store.Get(recordID)
	require.NoError(t, err)
	assert.True(t, rec.CompletedTasks.STT)
	assert.False(t, rec.CompletedTasks.Embedding)
	assert.False(t, rec.CompletedTasks.Summary)
	assert.Nil(t, rec.TitleSummary)

	data, err := os.ReadFile(sttPath)
	require.NoError(t, err)
	assert.Equal(t, "corrected transcript", string(data))

	_, err = os.Stat(summaryPath)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRejectsNewerSchemaVersion(t *testing.T) {
	layout, err := storagelayout.New(t.TempDir())
	require.NoError(t, err)

	future := snapshot{SchemaVersion: SchemaVersion + 1}
	data, err := json.Marshal(future)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.HistoryFilePath(), data, 0o644))

	_, err = Open(layout)
	assert.ErrorIs(t, err, apperr.ErrSchemaTooNew)
}

func TestOpenQuarantinesCorruptFile(t *testing.T) {
	layout, err := storagelayout.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.HistoryFilePath(), []byte("{not json"), 0o644))

	store, err := Open(layout)
	require.NoError(t, err)
	assert.Empty(t, store.List())

	entries, err := os.ReadDir(layout.HistoryDir())
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			found = true
		}
	}
	assert.True(t, found, "expected a quarantined .bad.<ts> file alongside history.json")
}

func TestGCOrphansRemovesUnknownOutputDirs(t *testing.T) {
	store, layout := newTestStore(t)

	recordID, err := store.CreateRecord("uploads/a/notes.txt", FileTypeText, "notes.txt", nil)
	require.NoError(t, err)
	_, err = layout.ArtifactPath(recordID, "stt")
	require.NoError(t, err)

	orphanDir := layout.RecordOutputsDir("orphan-record")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))

	removed, err := store.GCOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(orphanDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(layout.RecordOutputsDir(recordID))
	assert.NoError(t, err)
}

func TestListOrdersNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.CreateRecord("uploads/a/one.txt", FileTypeText, "one.txt", nil)
	require.NoError(t, err)
	second, err := store.CreateRecord("uploads/a/two.txt", FileTypeText, "two.txt", nil)
	require.NoError(t, err)

	records := store.List()
	require.Len(t, records, 2)
	assert.Equal(t, second, records[0].RecordID)
	assert.Equal(t, first, records[1].RecordID)
}
