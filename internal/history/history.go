// Package history implements the History Store: the authoritative,
// crash-safe mapping from record identity to uploaded file, completion
// flags, derived artifact paths, and metadata. The store keeps an
// in-memory list guarded by a single mutex and persists a full snapshot
// to disk on every mutation, the same write-ahead-by-snapshot idiom the
// Vector Index uses for vectors/index.json.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"recordroute/internal/apperr"
	"recordroute/internal/storagelayout"

	"github.com/google/uuid"
)

// SchemaVersion is the current on-disk schema version for history.json.
const SchemaVersion = 1

// FileType enumerates the kinds of uploads the system accepts.
type FileType string

const (
	FileTypeAudio FileType = "audio"
	FileTypePDF   FileType = "pdf"
	FileTypeText  FileType = "text"
)

// Step enumerates the three schedulable units of work on a Record.
type Step string

const (
	StepSTT       Step = "stt"
	StepEmbedding Step = "embedding"
	StepSummary   Step = "summary"
)

// Record is the unit of user-visible work.
type Record struct {
	RecordID        string           `json:"record_id"`
	DisplayFilename string           `json:"display_filename"`
	FileType        FileType         `json:"file_type"`
	SourcePath      string           `json:"source_path"` // relative to data root
	UploadedAt      time.Time        `json:"uploaded_at"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
	CompletedTasks  CompletedTasks   `json:"completed_tasks"`
	ArtifactPaths   map[Step]string  `json:"artifact_paths,omitempty"`
	TitleSummary    *string          `json:"title_summary,omitempty"`
	Checksum        string           `json:"checksum,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
}

// CompletedTasks tracks which steps have produced a durable artifact.
type CompletedTasks struct {
	STT       bool `json:"stt"`
	Embedding bool `json:"embedding"`
	Summary   bool `json:"summary"`
}

// Get reports whether the given step is complete.
func (c CompletedTasks) Get(step Step) bool {
	switch step {
	case StepSTT:
		return c.STT
	case StepEmbedding:
		return c.Embedding
	case StepSummary:
		return c.Summary
	}
	return false
}

func (c *CompletedTasks) set(step Step, v bool) {
	switch step {
	case StepSTT:
		c.STT = v
	case StepEmbedding:
		c.Embedding = v
	case StepSummary:
		c.Summary = v
	}
}

type snapshot struct {
	SchemaVersion int       `json:"schema_version"`
	Records       []*Record `json:"records"`
}

// Store is the History Store. Zero value is not usable; use Open.
type Store struct {
	layout *storagelayout.Layout

	mu      sync.RWMutex
	records []*Record // insertion order, oldest first
}

// Open loads history.json from the layout's HistoryFilePath, or
// initializes an empty store if the file is absent or corrupt. A
// corrupted file is quarantined (renamed aside) rather than overwritten,
// so the original bytes remain available for forensics, and the process
// still starts.
func Open(layout *storagelayout.Layout) (*Store, error) {
	s := &Store{layout: layout}

	path := layout.HistoryFilePath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if _, qerr := storagelayout.LogCorruptFile(path); qerr != nil {
			return nil, fmt.Errorf("history: quarantine corrupt file: %w", qerr)
		}
		slog.Error("history file corrupt, starting empty", "path", path, "error", err)
		return s, nil
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("history: %w: file version %d, binary understands %d",
			apperr.ErrSchemaTooNew, snap.SchemaVersion, SchemaVersion)
	}
	for _, r := range snap.Records {
		if r.ArtifactPaths == nil {
			r.ArtifactPaths = make(map[Step]string)
		}
	}
	s.records = snap.Records
	return s, nil
}

// saveLocked writes a full snapshot atomically. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	snap := snapshot{SchemaVersion: SchemaVersion, Records: s.records}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal snapshot: %w", err)
	}
	return storagelayout.WriteFileAtomic(s.layout.HistoryFilePath(), data, 0o644)
}

// CreateRecord appends a new Record and persists the snapshot, returning
// the generated record_id.
func (s *Store) CreateRecord(sourcePath string, fileType FileType, displayFilename string, durationSeconds *float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		RecordID:        uuid.NewString(),
		DisplayFilename: displayFilename,
		FileType:        fileType,
		SourcePath:      sourcePath,
		UploadedAt:      time.Now().UTC(),
		DurationSeconds: durationSeconds,
		ArtifactPaths:   make(map[Step]string),
	}
	s.records = append(s.records, rec)
	if err := s.saveLocked(); err != nil {
		s.records = s.records[:len(s.records)-1]
		return "", err
	}
	return rec.RecordID, nil
}

// List returns a snapshot of all Records, newest-first.
func (s *Store) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, len(s.records))
	for i, r := range s.records {
		c := *r
		out[len(s.records)-1-i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out
}

// Get returns a copy of the Record with the given id.
func (s *Store) Get(recordID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.findLocked(recordID)
	if r == nil {
		return nil, apperr.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) findLocked(recordID string) *Record {
	for _, r := range s.records {
		if r.RecordID == recordID {
			return r
		}
	}
	return nil
}

// MarkCompleted sets completed_tasks[step] = true, stores the artifact
// path, and updates title_summary whenever a short one-line summary is
// supplied (the embedding step supplies one).
func (s *Store) MarkCompleted(recordID string, step Step, artifactPath string, titleSummary *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(recordID)
	if r == nil {
		return apperr.ErrNotFound
	}
	r.CompletedTasks.set(step, true)
	if r.ArtifactPaths == nil {
		r.ArtifactPaths = make(map[Step]string)
	}
	r.ArtifactPaths[step] = artifactPath
	if titleSummary != nil {
		r.TitleSummary = titleSummary
	}
	return s.saveLocked()
}

// ResetResult reports what a Reset call invalidated, so the caller (the
// Scheduler, via the Vector Index) can drop the matching vector entries
// and artifact files in the same logical batch.
type ResetResult struct {
	EmbeddingReset bool
	SummaryReset   bool
	RemovedPaths   []string
}

// Reset clears the specified completion flags and removes their artifact
// files. It does not touch the Vector Index directly (ownership boundary,
// §3) — it returns whether embedding was reset so the caller can also
// call VectorIndex.Delete.
func (s *Store) Reset(recordID string, steps []Step) (ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(recordID)
	if r == nil {
		return ResetResult{}, apperr.ErrNotFound
	}

	var result ResetResult
	for _, step := range steps {
		r.CompletedTasks.set(step, false)
		if path, ok := r.ArtifactPaths[step]; ok {
			delete(r.ArtifactPaths, step)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Warn("history: failed to remove artifact on reset", "path", path, "error", err)
			}
			result.RemovedPaths = append(result.RemovedPaths, path)
		}
		switch step {
		case StepEmbedding:
			result.EmbeddingReset = true
		case StepSummary:
			result.SummaryReset = true
			r.TitleSummary = nil
		}
	}
	if err := s.saveLocked(); err != nil {
		return ResetResult{}, err
	}
	return result, nil
}

// Rename changes display_filename.
func (s *Store) Rename(recordID, newDisplayFilename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(recordID)
	if r == nil {
		return apperr.ErrNotFound
	}
	r.DisplayFilename = newDisplayFilename
	return s.saveLocked()
}

// DeleteResult carries the paths the caller must also remove from the
// Vector Index and filesystem outside the History Store's ownership.
type DeleteResult struct {
	SourcePath      string
	OutputsDir      string
	HadEmbedding    bool
	RemovedArtifact []string
}

// Delete removes the Record and reports the artifact paths, upload path,
// and whether the record had an embedding so the caller can finish the
// logical batch (Vector Index deletion, filesystem cleanup). Delete is
// idempotent: deleting an already-absent record returns apperr.ErrNotFound
// rather than panicking, and callers treat that as success.
func (s *Store) Delete(recordID string) (DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, r := range s.records {
		if r.RecordID == recordID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return DeleteResult{}, apperr.ErrNotFound
	}
	r := s.records[idx]
	result := DeleteResult{
		SourcePath:   r.SourcePath,
		OutputsDir:   s.layout.RecordOutputsDir(recordID),
		HadEmbedding: r.CompletedTasks.Embedding,
	}
	for _, p := range r.ArtifactPaths {
		result.RemovedArtifact = append(result.RemovedArtifact, p)
	}

	before := s.records
	next := make([]*Record, 0, len(before)-1)
	next = append(next, before[:idx]...)
	next = append(next, before[idx+1:]...)
	s.records = next
	if err := s.saveLocked(); err != nil {
		// The file write failed so nothing durable changed either;
		// restore the pre-delete in-memory state.
		s.records = before
		return DeleteResult{}, err
	}
	return result, nil
}

// UpdateSTTTextResult mirrors the artifact/vector cleanup the caller must
// perform alongside overwriting the STT text.
type UpdateSTTTextResult struct {
	STTPath        string
	SummaryPath    string
	HadEmbedding   bool
	HadSummaryPath bool
}

// UpdateSTTText overwrites the STT artifact content and forces
// completed_tasks.embedding and completed_tasks.summary back to false,
// since both are derived from STT text and are now stale.
func (s *Store) UpdateSTTText(recordID, newContent string) (UpdateSTTTextResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(recordID)
	if r == nil {
		return UpdateSTTTextResult{}, apperr.ErrNotFound
	}

	sttPath, ok := r.ArtifactPaths[StepSTT]
	if !ok {
		var err error
		sttPath, err = s.layout.ArtifactPath(recordID, string(StepSTT))
		if err != nil {
			return UpdateSTTTextResult{}, err
		}
	}
	if err := storagelayout.WriteFileAtomic(sttPath, []byte(newContent), 0o644); err != nil {
		return UpdateSTTTextResult{}, fmt.Errorf("history: overwrite stt artifact: %w", err)
	}

	result := UpdateSTTTextResult{STTPath: sttPath, HadEmbedding: r.CompletedTasks.Embedding}
	r.CompletedTasks.STT = true
	r.ArtifactPaths[StepSTT] = sttPath
	r.CompletedTasks.Embedding = false
	r.CompletedTasks.Summary = false
	if p, ok := r.ArtifactPaths[StepSummary]; ok {
		result.SummaryPath = p
		result.HadSummaryPath = true
		delete(r.ArtifactPaths, StepSummary)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("history: failed to remove stale summary artifact", "path", p, "error", err)
		}
	}
	delete(r.ArtifactPaths, StepEmbedding)
	r.TitleSummary = nil

	if err := s.saveLocked(); err != nil {
		return UpdateSTTTextResult{}, err
	}
	return result, nil
}

// GCOrphans removes outputs/<record_id> directories with no matching
// Record. It is invoked once at startup to repair a crash that happened
// between a Delete's file removal and its snapshot write landing, or
// vice versa. Returns the number of orphaned directories removed.
func (s *Store) GCOrphans() (int, error) {
	s.mu.RLock()
	known := make(map[string]bool, len(s.records))
	for _, r := range s.records {
		known[r.RecordID] = true
	}
	s.mu.RUnlock()

	entries, err := os.ReadDir(s.layout.OutputsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("history: list outputs dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		dir := s.layout.RecordOutputsDir(e.Name())
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("history: failed to remove orphaned outputs dir", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("history: garbage collected orphaned outputs", "count", removed)
	}
	return removed, nil
}
