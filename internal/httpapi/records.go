package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recordroute/internal/apperr"
	"recordroute/internal/history"
	"recordroute/internal/mediaprobe"

	"github.com/gin-gonic/gin"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".ogg": true, ".aac": true,
}

func classifyFileType(filename string) (history.FileType, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".pdf":
		return history.FileTypePDF, nil
	case ext == ".txt" || ext == ".md":
		return history.FileTypeText, nil
	case audioExtensions[ext]:
		return history.FileTypeAudio, nil
	default:
		return "", fmt.Errorf("httpapi: %w: %s", apperr.ErrUnsupportedFileType, ext)
	}
}

type uploadedFile struct {
	RecordID string           `json:"record_id"`
	FilePath string           `json:"file_path"`
	FileType history.FileType `json:"file_type"`
	Filename string           `json:"filename"`
}

// HandleUpload accepts one or more multipart files, classifies each by
// extension, probes audio duration with ffprobe, and registers a Record
// per file in the History Store.
func HandleUpload(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		slog.Info("upload request received", "remote_addr", c.ClientIP())

		form, err := c.MultipartForm()
		if err != nil {
			writeBadRequest(c, "expected multipart form with field \"files\"")
			return
		}
		files := form.File["files"]
		if len(files) == 0 {
			writeBadRequest(c, "no files supplied under field \"files\"")
			return
		}

		out := make([]uploadedFile, 0, len(files))
		for _, fh := range files {
			if deps.MaxUploadBytes > 0 && fh.Size > deps.MaxUploadBytes {
				c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "FILE_TOO_LARGE", Message: fh.Filename})
				return
			}
			fileType, err := classifyFileType(fh.Filename)
			if err != nil {
				writeError(c, err)
				return
			}

			src, err := fh.Open()
			if err != nil {
				writeError(c, fmt.Errorf("httpapi: open upload: %w", err))
				return
			}
			uploadID := time.Now().UTC().Format("20060102T150405.000000000")
			destPath, err := deps.Layout.UploadPath(uploadID, fh.Filename)
			if err != nil {
				src.Close()
				writeError(c, err)
				return
			}
			dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				src.Close()
				writeError(c, fmt.Errorf("httpapi: create upload destination: %w", err))
				return
			}
			_, copyErr := io.Copy(dst, src)
			src.Close()
			dst.Close()
			if copyErr != nil {
				writeError(c, fmt.Errorf("httpapi: write upload: %w", copyErr))
				return
			}

			var durationSeconds *float64
			if fileType == history.FileTypeAudio {
				if d, perr := mediaprobe.Probe(c.Request.Context(), deps.FFProbePath, destPath); perr == nil {
					durationSeconds = &d
				} else {
					slog.Warn("ffprobe failed, continuing without duration", "error", perr, "path", destPath)
				}
			}

			recordID, err := deps.History.CreateRecord(destPath, fileType, fh.Filename, durationSeconds)
			if err != nil {
				writeError(c, err)
				return
			}
			out = append(out, uploadedFile{RecordID: recordID, FilePath: destPath, FileType: fileType, Filename: fh.Filename})
		}

		c.JSON(http.StatusOK, out)
	}
}

type recordWire struct {
	RecordID        string            `json:"record_id"`
	DisplayFilename string            `json:"display_filename"`
	FileType        history.FileType  `json:"file_type"`
	UploadedAt      time.Time         `json:"uploaded_at"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	CompletedTasks  map[string]bool   `json:"completed_tasks"`
	Downloads       map[string]string `json:"downloads,omitempty"`
	TitleSummary    *string           `json:"title_summary,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
}

func recordToWire(deps *Deps, rec *history.Record) recordWire {
	downloads := make(map[string]string, len(rec.ArtifactPaths)+1)
	for step, path := range rec.ArtifactPaths {
		downloads[string(step)] = encodeOpaque(deps.Layout, path)
	}
	downloads["source"] = encodeOpaque(deps.Layout, rec.SourcePath)
	return recordWire{
		RecordID:        rec.RecordID,
		DisplayFilename: rec.DisplayFilename,
		FileType:        rec.FileType,
		UploadedAt:      rec.UploadedAt,
		DurationSeconds: rec.DurationSeconds,
		CompletedTasks: map[string]bool{
			"stt":       rec.CompletedTasks.STT,
			"embedding": rec.CompletedTasks.Embedding,
			"summary":   rec.CompletedTasks.Summary,
		},
		Downloads:    downloads,
		TitleSummary: rec.TitleSummary,
		Tags:         rec.Tags,
	}
}

// HandleHistory lists every Record, newest-first.
func HandleHistory(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		records := deps.History.List()
		out := make([]recordWire, len(records))
		for i, r := range records {
			out[i] = recordToWire(deps, r)
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleDownload resolves an opaque artifact identifier back to a file on
// disk and streams its bytes.
func HandleDownload(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		opaque := c.Param("opaque")
		path, err := decodeOpaque(deps.Layout, opaque)
		if err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		if _, err := os.Stat(path); err != nil {
			writeError(c, fmt.Errorf("httpapi: %w", apperr.ErrNotFound))
			return
		}
		c.FileAttachment(path, filepath.Base(path))
	}
}

type deleteRecordsRequest struct {
	RecordIDs []string `json:"record_ids" binding:"required,min=1"`
}

// HandleDeleteRecords removes records, their vector entries, and their
// artifact/source files.
func HandleDeleteRecords(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deleteRecordsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}

		deleted := make([]string, 0, len(req.RecordIDs))
		for _, recordID := range req.RecordIDs {
			result, err := deps.History.Delete(recordID)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					continue
				}
				writeError(c, err)
				return
			}
			if result.HadEmbedding {
				if err := deps.VectorIndex.Delete(recordID); err != nil {
					slog.Warn("failed to delete vector entries for deleted record", "record_id", recordID, "error", err)
				}
			}
			for _, p := range result.RemovedArtifact {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					slog.Warn("failed to remove artifact for deleted record", "path", p, "error", err)
				}
			}
			if err := os.RemoveAll(result.OutputsDir); err != nil {
				slog.Warn("failed to remove outputs dir for deleted record", "dir", result.OutputsDir, "error", err)
			}
			if err := os.Remove(result.SourcePath); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove source file for deleted record", "path", result.SourcePath, "error", err)
			}
			deleted = append(deleted, recordID)
		}

		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

type resetRequest struct {
	RecordID string `json:"record_id" binding:"required"`
}

func doReset(deps *Deps, recordID string, steps []history.Step) error {
	result, err := deps.History.Reset(recordID, steps)
	if err != nil {
		return err
	}
	if result.EmbeddingReset {
		if err := deps.VectorIndex.Delete(recordID); err != nil {
			return err
		}
	}
	for _, p := range result.RemovedPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove artifact on reset", "path", p, "error", err)
		}
	}
	return nil
}

// HandleReset clears all three completion flags for a record.
func HandleReset(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		if err := doReset(deps, req.RecordID, []history.Step{history.StepSTT, history.StepEmbedding, history.StepSummary}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// HandleResetSummaryEmbedding clears embedding+summary but preserves stt.
func HandleResetSummaryEmbedding(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		if err := doReset(deps, req.RecordID, []history.Step{history.StepEmbedding, history.StepSummary}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type resetAllTasksRequest struct {
	Tasks []string `json:"tasks" binding:"required,min=1"`
}

// HandleResetAllTasks resets the named step(s) across every record in
// the History Store, for bulk reprocessing after an engine/model change.
func HandleResetAllTasks(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetAllTasksRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		steps := make([]history.Step, 0, len(req.Tasks))
		for _, t := range req.Tasks {
			steps = append(steps, history.Step(t))
		}

		count := 0
		for _, rec := range deps.History.List() {
			if err := doReset(deps, rec.RecordID, steps); err != nil {
				slog.Warn("reset_all_tasks: failed for record", "record_id", rec.RecordID, "error", err)
				continue
			}
			count++
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("reset %d record(s)", count)})
	}
}

type updateSTTTextRequest struct {
	FileIdentifier string `json:"file_identifier" binding:"required"`
	Content        string `json:"content" binding:"required"`
}

// HandleUpdateSTTText overwrites the stt artifact and invalidates the
// derived embedding/summary.
func HandleUpdateSTTText(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateSTTTextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}

		result, err := deps.History.UpdateSTTText(req.FileIdentifier, req.Content)
		if err != nil {
			writeError(c, err)
			return
		}
		if result.HadEmbedding {
			if err := deps.VectorIndex.Delete(req.FileIdentifier); err != nil {
				slog.Warn("failed to invalidate vector entries after stt text update", "record_id", req.FileIdentifier, "error", err)
			}
		}
		if result.HadSummaryPath {
			if err := os.Remove(result.SummaryPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove stale summary artifact", "path", result.SummaryPath, "error", err)
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "record_id": req.FileIdentifier})
	}
}

type updateFilenameRequest struct {
	RecordID string `json:"record_id" binding:"required"`
	Filename string `json:"filename" binding:"required"`
}

// HandleUpdateFilename renames a record's display filename.
func HandleUpdateFilename(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateFilenameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		if err := deps.History.Rename(req.RecordID, req.Filename); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type checkExistingSTTRequest struct {
	FilePath string `json:"file_path" binding:"required"`
}

// HandleCheckExistingSTT reports whether a source path already has a
// completed stt record, so the client can skip a redundant upload+process.
func HandleCheckExistingSTT(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkExistingSTTRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}

		for _, rec := range deps.History.List() {
			if rec.SourcePath == req.FilePath && rec.CompletedTasks.STT {
				c.JSON(http.StatusOK, gin.H{"has_stt": true})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"has_stt": false})
	}
}
