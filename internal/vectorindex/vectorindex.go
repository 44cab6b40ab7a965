// Package vectorindex implements the Vector Index: a persistent
// collection of (record, chunk) vectors with metadata, supporting
// keyword and cosine-similarity search, and a content-addressed query
// cache. A single exclusive lock serializes mutations; queries read a
// copy-on-write snapshot so they never block writers for long.
package vectorindex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"recordroute/internal/apperr"
	"recordroute/internal/metrics"
	"recordroute/internal/storagelayout"
)

// SchemaVersion is the current on-disk schema version for vectors/index.json.
const SchemaVersion = 1

// Entry is one chunk embedding associated with a record.
type Entry struct {
	RecordID        string    `json:"record_id"`
	ChunkIndex      int       `json:"chunk_index"`
	ChunkText       string    `json:"chunk_text"`
	Vector          []float32 `json:"vector"`
	UploadedAt      time.Time `json:"uploaded_at"`
	DisplayFilename string    `json:"display_filename"`
	SourceFilename  string    `json:"source_filename"`
}

// Chunk is the (index, text, vector) tuple supplied to Put.
type Chunk struct {
	Index  int
	Text   string
	Vector []float32
}

// Meta is record-level metadata stamped onto every chunk written by Put.
type Meta struct {
	UploadedAt      time.Time
	DisplayFilename string
	SourceFilename  string
}

// DateRange optionally bounds a query by Entry.UploadedAt.
type DateRange struct {
	Start, End time.Time // zero value means unbounded on that side
}

func (d *DateRange) matches(t time.Time) bool {
	if d == nil {
		return true
	}
	if !d.Start.IsZero() && t.Before(d.Start) {
		return false
	}
	if !d.End.IsZero() && t.After(d.End) {
		return false
	}
	return true
}

// ScoredResult is one hit from Search.
type ScoredResult struct {
	RecordID   string  `json:"record_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Meta       Meta    `json:"-"`
}

// KeywordResult is one hit from KeywordSearch.
type KeywordResult struct {
	RecordID string `json:"record_id"`
	Count    int    `json:"count"`
	Meta     Meta   `json:"-"`
}

// Stats summarizes the index for /healthz and the check subcommand.
type Stats struct {
	Count   int `json:"count"`
	Dim     int `json:"dim"`
	Records int `json:"records"`
}

type snapshot struct {
	SchemaVersion int     `json:"schema_version"`
	Dim           int     `json:"dim"`
	Entries       []Entry `json:"entries"`
}

// Index is the Vector Index. Zero value is not usable; use Open.
type Index struct {
	layout *storagelayout.Layout
	cache  QueryCache

	mu      sync.RWMutex
	dim     int // 0 means unfixed; fixed by the first Put
	entries []Entry
}

// Open loads vectors/index.json, or initializes an empty index if the
// file is absent or corrupt (quarantined with a .bad.<timestamp> suffix).
func Open(layout *storagelayout.Layout, cache QueryCache) (*Index, error) {
	idx := &Index{layout: layout, cache: cache}

	path := layout.VectorIndexFilePath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vectorindex: read %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if _, qerr := storagelayout.LogCorruptFile(path); qerr != nil {
			return nil, fmt.Errorf("vectorindex: quarantine corrupt file: %w", qerr)
		}
		return idx, nil
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("vectorindex: %w: file version %d, binary understands %d",
			apperr.ErrSchemaTooNew, snap.SchemaVersion, SchemaVersion)
	}
	idx.dim = snap.Dim
	idx.entries = snap.Entries
	return idx, nil
}

func (idx *Index) saveLocked() error {
	snap := snapshot{SchemaVersion: SchemaVersion, Dim: idx.dim, Entries: idx.entries}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("vectorindex: marshal snapshot: %w", err)
	}
	if err := storagelayout.WriteFileAtomic(idx.layout.VectorIndexFilePath(), data, 0o644); err != nil {
		return err
	}
	metrics.VectorIndexSize.Set(float64(len(idx.entries)))
	return nil
}

// Put replaces all entries for recordID with the provided chunks.
// Dimensionality must match the index-global D; the first Put across the
// whole index's lifetime fixes D.
func (idx *Index) Put(recordID string, chunks []Chunk, meta Meta) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range chunks {
		if idx.dim == 0 {
			idx.dim = len(c.Vector)
		} else if len(c.Vector) != idx.dim {
			return fmt.Errorf("vectorindex: %w: index dimension %d, chunk dimension %d",
				apperr.ErrDimensionMismatch, idx.dim, len(c.Vector))
		}
	}

	kept := idx.entries[:0:0]
	for _, e := range idx.entries {
		if e.RecordID != recordID {
			kept = append(kept, e)
		}
	}
	for _, c := range chunks {
		kept = append(kept, Entry{
			RecordID:        recordID,
			ChunkIndex:      c.Index,
			ChunkText:       c.Text,
			Vector:          c.Vector,
			UploadedAt:      meta.UploadedAt,
			DisplayFilename: meta.DisplayFilename,
			SourceFilename:  meta.SourceFilename,
		})
	}
	idx.entries = kept

	if err := idx.saveLocked(); err != nil {
		return err
	}
	idx.cache.InvalidateAll()
	return nil
}

// Delete removes all entries for recordID.
func (idx *Index) Delete(recordID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	kept := idx.entries[:0:0]
	for _, e := range idx.entries {
		if e.RecordID != recordID {
			kept = append(kept, e)
		}
	}
	idx.entries = kept

	if err := idx.saveLocked(); err != nil {
		return err
	}
	idx.cache.InvalidateAll()
	return nil
}

// snapshotEntries returns a read-only copy-on-write slice of the current
// entries, so queries never block writers for longer than the copy.
func (idx *Index) snapshotEntries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cacheKey(kind, query string, dr *DateRange) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(query))
	if dr != nil {
		h.Write([]byte{0})
		h.Write([]byte(dr.Start.Format(time.RFC3339)))
		h.Write([]byte{0})
		h.Write([]byte(dr.End.Format(time.RFC3339)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// vectorKey renders a query vector into a stable cache key component
// without assuming any particular float formatting survives a JSON round
// trip identically; callers that want the cache to hit across reformats
// should prefer keying on the originating query string instead.
func vectorKey(v []float32) string {
	var sb strings.Builder
	for _, f := range v {
		fmt.Fprintf(&sb, "%.6f,", f)
	}
	return sb.String()
}

// Search returns the top_k chunks by cosine similarity to queryVector,
// optionally filtered to Entries whose UploadedAt falls in dateRange.
func (idx *Index) Search(queryVector []float32, topK int, dateRange *DateRange) []ScoredResult {
	key := cacheKey("vector", vectorKey(queryVector), dateRange)
	if cached, ok := idx.cache.Get(key); ok {
		return truncateScored(cached, topK)
	}

	entries := idx.snapshotEntries()
	results := make([]ScoredResult, 0, len(entries))
	for _, e := range entries {
		if !dateRange.matches(e.UploadedAt) {
			continue
		}
		results = append(results, ScoredResult{
			RecordID:   e.RecordID,
			ChunkIndex: e.ChunkIndex,
			Score:      cosineSimilarity(queryVector, e.Vector),
			Meta:       Meta{UploadedAt: e.UploadedAt, DisplayFilename: e.DisplayFilename, SourceFilename: e.SourceFilename},
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	idx.cache.Set(key, results)
	return truncateScored(results, topK)
}

func truncateScored(results []ScoredResult, topK int) []ScoredResult {
	if topK <= 0 || topK >= len(results) {
		out := make([]ScoredResult, len(results))
		copy(out, results)
		return out
	}
	out := make([]ScoredResult, topK)
	copy(out, results[:topK])
	return out
}

// KeywordSearch returns the top_k records by case-insensitive substring
// count of term across their chunk text.
func (idx *Index) KeywordSearch(term string, topK int, dateRange *DateRange) []KeywordResult {
	key := cacheKey("keyword", strings.ToLower(term), dateRange)
	if cached, ok := idx.cache.GetKeyword(key); ok {
		return truncateKeyword(cached, topK)
	}

	entries := idx.snapshotEntries()
	lowerTerm := strings.ToLower(term)
	counts := make(map[string]int)
	metas := make(map[string]Meta)
	for _, e := range entries {
		if !dateRange.matches(e.UploadedAt) {
			continue
		}
		c := strings.Count(strings.ToLower(e.ChunkText), lowerTerm)
		if c == 0 {
			continue
		}
		counts[e.RecordID] += c
		if _, ok := metas[e.RecordID]; !ok {
			metas[e.RecordID] = Meta{UploadedAt: e.UploadedAt, DisplayFilename: e.DisplayFilename, SourceFilename: e.SourceFilename}
		}
	}

	results := make([]KeywordResult, 0, len(counts))
	for recordID, count := range counts {
		results = append(results, KeywordResult{RecordID: recordID, Count: count, Meta: metas[recordID]})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].RecordID < results[j].RecordID
	})

	idx.cache.SetKeyword(key, results)
	return truncateKeyword(results, topK)
}

func truncateKeyword(results []KeywordResult, topK int) []KeywordResult {
	if topK <= 0 || topK >= len(results) {
		out := make([]KeywordResult, len(results))
		copy(out, results)
		return out
	}
	out := make([]KeywordResult, topK)
	copy(out, results[:topK])
	return out
}

// SimilarTo computes the mean of recordID's chunk vectors and delegates
// to Search.
func (idx *Index) SimilarTo(recordID string, topK int) ([]ScoredResult, error) {
	entries := idx.snapshotEntries()
	var sum []float64
	count := 0
	for _, e := range entries {
		if e.RecordID != recordID {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(e.Vector))
		}
		for i, v := range e.Vector {
			sum[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil, apperr.ErrNotFound
	}
	mean := make([]float32, len(sum))
	for i, v := range sum {
		mean[i] = float32(v / float64(count))
	}
	results := idx.Search(mean, topK+count, nil)
	// Exclude the record's own chunks from its own similarity results.
	out := make([]ScoredResult, 0, len(results))
	for _, r := range results {
		if r.RecordID == recordID {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Stats reports index-wide counters.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	records := make(map[string]struct{})
	for _, e := range idx.entries {
		records[e.RecordID] = struct{}{}
	}
	return Stats{Count: len(idx.entries), Dim: idx.dim, Records: len(records)}
}

// RemoveOrphans deletes entries whose record_id is absent from
// knownRecordIDs. Used at startup to repair a crash between a Delete's
// History mutation and its Vector Index mutation.
func (idx *Index) RemoveOrphans(knownRecordIDs map[string]bool) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	kept := idx.entries[:0:0]
	removed := 0
	for _, e := range idx.entries {
		if knownRecordIDs[e.RecordID] {
			kept = append(kept, e)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	idx.entries = kept
	if err := idx.saveLocked(); err != nil {
		return 0, err
	}
	idx.cache.InvalidateAll()
	return removed, nil
}
