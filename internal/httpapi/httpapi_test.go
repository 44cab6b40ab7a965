package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"recordroute/internal/engine"
	"recordroute/internal/history"
	"recordroute/internal/progressbus"
	"recordroute/internal/registry"
	"recordroute/internal/scheduler"
	"recordroute/internal/storagelayout"
	"recordroute/internal/vectorindex"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	gin.SetMode(gin.TestMode)

	layout, err := storagelayout.New(t.TempDir())
	require.NoError(t, err)
	hist, err := history.Open(layout)
	require.NoError(t, err)
	vec, err := vectorindex.Open(layout, vectorindex.NewInProcessCache(0))
	require.NoError(t, err)
	bus := progressbus.New()
	reg := registry.New()

	collab, err := engine.NewFactory().Create(engine.BackendStub, engine.FactoryConfig{EmbeddingDim: 8})
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Config{
		EmbeddingMaxPromptChars: 500,
		ChunkOverlapChars:       20,
		SummaryMapReduceChars:   1000,
		ReduceBatchSize:         2,
		MaxConcurrentSTT:        1,
		MaxConcurrentEmbedding:  1,
		MaxConcurrentSummary:    1,
	}, layout, hist, vec, bus, reg, collab)

	return &Deps{
		Layout:         layout,
		History:        hist,
		VectorIndex:    vec,
		ProgressBus:    bus,
		Registry:       reg,
		Scheduler:      sched,
		Embedding:      collab.Embedding,
		FFProbePath:    "ffprobe",
		ShutdownNotify: make(chan struct{}, 1),
		Models:         []string{"stub"},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *Deps) {
	t.Helper()
	deps := newTestDeps(t)
	r := gin.New()
	SetupRoutes(r, deps)
	return r, deps
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUploadThenHistoryRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "note.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello from a test upload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var uploaded []uploadedFile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))
	require.Len(t, uploaded, 1)
	assert.Equal(t, history.FileTypeText, uploaded[0].FileType)

	w = doJSON(t, r, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []recordWire
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, uploaded[0].RecordID, records[0].RecordID)
}

func TestProcessEmbeddingThenSearch(t *testing.T) {
	r, deps := newTestRouter(t)

	path := filepath.Join(deps.Layout.UploadsDir(), "note.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("quarterly budget planning notes"), 0o644))
	recordID, err := deps.History.CreateRecord(path, history.FileTypeText, "note.txt", nil)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/process", gin.H{
		"record_id": recordID,
		"steps":     []string{"embedding"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]stepOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Contains(t, out, "embedding")
	assert.Empty(t, out["embedding"].Error)
	assert.NotEmpty(t, out["embedding"].Artifact)

	w = doJSON(t, r, http.MethodGet, "/search?q=budget", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["keywordMatches"])
}

func TestProcessDependencyNotMetReportsPerStepError(t *testing.T) {
	r, deps := newTestRouter(t)

	path := filepath.Join(deps.Layout.UploadsDir(), "episode.mp3")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("fake audio"), 0o644))
	recordID, err := deps.History.CreateRecord(path, history.FileTypeAudio, "episode.mp3", nil)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/process", gin.H{
		"record_id": recordID,
		"steps":     []string{"embedding"},
	})
	require.Equal(t, http.StatusOK, w.Code) // per-step outcome, not a top-level failure
	var out map[string]stepOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "STT_DEPENDENCY_NOT_MET", out["embedding"].Error)
}

func TestDeleteRecordsRemovesFromHistory(t *testing.T) {
	r, deps := newTestRouter(t)

	path := filepath.Join(deps.Layout.UploadsDir(), "note.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	recordID, err := deps.History.CreateRecord(path, history.FileTypeText, "note.txt", nil)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/delete_records", gin.H{"record_ids": []string{recordID}})
	require.Equal(t, http.StatusOK, w.Code)

	_, err = deps.History.Get(recordID)
	assert.Error(t, err)
}

func TestCancelUnknownTaskReportsNotCancelled(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/cancel", gin.H{"task_id": "does-not-exist"})
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body["cancelled"])
}

func TestHealthzReportsOK(t *testing.T) {
	r, _ := newTestRouter(t)
	w := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, w)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSimilarReturnsDownloadableLink(t *testing.T) {
	r, deps := newTestRouter(t)

	pathA := filepath.Join(deps.Layout.UploadsDir(), "a.txt")
	pathB := filepath.Join(deps.Layout.UploadsDir(), "b.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(pathA), 0o755))
	require.NoError(t, os.WriteFile(pathA, []byte("content a"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte("content b"), 0o644))

	recordA, err := deps.History.CreateRecord(pathA, history.FileTypeText, "a.txt", nil)
	require.NoError(t, err)
	recordB, err := deps.History.CreateRecord(pathB, history.FileTypeText, "b.txt", nil)
	require.NoError(t, err)

	require.NoError(t, deps.VectorIndex.Put(recordA, []vectorindex.Chunk{{Index: 0, Text: "a", Vector: []float32{1, 0}}}, vectorindex.Meta{DisplayFilename: "a.txt"}))
	require.NoError(t, deps.VectorIndex.Put(recordB, []vectorindex.Chunk{{Index: 0, Text: "b", Vector: []float32{1, 0}}}, vectorindex.Meta{DisplayFilename: "b.txt"}))

	w := doJSON(t, r, http.MethodPost, "/similar", gin.H{"file_identifier": recordA})
	require.Equal(t, http.StatusOK, w.Code)

	var out []similarResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, recordB, out[0].File)
	require.NotEmpty(t, out[0].Link)

	opaque := strings.TrimPrefix(out[0].Link, "/download/")
	resolved, err := decodeOpaque(deps.Layout, opaque)
	require.NoError(t, err)
	assert.Equal(t, pathB, resolved)
}

func TestDownloadRoundTripsOpaqueIdentifier(t *testing.T) {
	r, deps := newTestRouter(t)

	path := filepath.Join(deps.Layout.UploadsDir(), "note.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("downloadable content"), 0o644))

	opaque := encodeOpaque(deps.Layout, path)
	w := httptest.NewRequest(http.MethodGet, "/download/"+opaque, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, w)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "downloadable content", rec.Body.String())
}
