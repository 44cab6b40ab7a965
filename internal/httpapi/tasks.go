package httpapi

import (
	"errors"
	"net/http"
	"time"

	"recordroute/internal/apperr"
	"recordroute/internal/scheduler"

	"github.com/gin-gonic/gin"
)

type processRequest struct {
	FilePath       string            `json:"file_path"`
	RecordID       string            `json:"record_id"`
	Steps          []string          `json:"steps" binding:"required,min=1"`
	TaskID         string            `json:"task_id,omitempty"`
	ModelSettings  map[string]string `json:"model_settings,omitempty"`
}

type stepOutcome struct {
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

// HandleProcess dispatches the requested steps for a record through the
// Scheduler and reports each step's outcome, keyed by step name.
func HandleProcess(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}

		recordID := req.RecordID
		if recordID == "" && req.FilePath != "" {
			for _, rec := range deps.History.List() {
				if rec.SourcePath == req.FilePath {
					recordID = rec.RecordID
					break
				}
			}
		}
		if recordID == "" {
			writeError(c, errors.New("httpapi: "+apperr.ErrNotFound.Error()+": no record_id or matching file_path"))
			return
		}

		steps := make([]scheduler.Step, 0, len(req.Steps))
		for _, s := range req.Steps {
			steps = append(steps, scheduler.Step(s))
		}
		taskIDs := make(map[scheduler.Step]string)
		if req.TaskID != "" && len(steps) == 1 {
			taskIDs[steps[0]] = req.TaskID
		}
		modelOverrides := make(map[scheduler.Step]string, len(req.ModelSettings))
		for k, v := range req.ModelSettings {
			modelOverrides[scheduler.Step(k)] = v
		}

		results := deps.Scheduler.Process(c.Request.Context(), scheduler.ProcessRequest{
			RecordID:       recordID,
			Steps:          steps,
			TaskIDs:        taskIDs,
			ModelOverrides: modelOverrides,
		})

		out := make(map[string]stepOutcome, len(results))
		for _, r := range results {
			if r.Err != nil {
				out[string(r.Step)] = stepOutcome{Error: r.ErrorCode, Message: r.Err.Error()}
				continue
			}
			out[string(r.Step)] = stepOutcome{Artifact: encodeOpaque(deps.Layout, r.ArtifactPath)}
		}
		c.JSON(http.StatusOK, out)
	}
}

type cancelRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// HandleCancel signals a running task's cancellation token.
func HandleCancel(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		err := deps.Registry.Cancel(req.TaskID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": err == nil})
	}
}

type taskWire struct {
	RecordID        string  `json:"record_id"`
	Step            string  `json:"step"`
	State           string  `json:"state"`
	DurationSeconds float64 `json:"duration_seconds"`
	RetryCount      int     `json:"retry_count"`
	ErrorCode       string  `json:"error_code,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// HandleTasks lists every currently live task in the Job Registry.
func HandleTasks(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks := deps.Registry.List()
		out := make(map[string]taskWire, len(tasks))
		for _, t := range tasks {
			out[t.TaskID] = taskWire{
				RecordID:        t.RecordID,
				Step:            string(t.Step),
				State:           string(t.State),
				DurationSeconds: time.Since(t.StartedAt).Seconds(),
				RetryCount:      t.RetryCount,
				ErrorCode:       t.ErrorCode,
				ErrorMessage:    t.ErrorMessage,
			}
		}
		c.JSON(http.StatusOK, out)
	}
}
