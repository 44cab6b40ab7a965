// Package scheduler implements the Workflow Executor: the
// dependency-aware driver that validates a process request, dispatches
// each requested step to an engine collaborator under a per-kind
// concurrency slot, retries transient collaborator errors with
// exponential backoff behind a circuit breaker, and writes results back
// through the History Store, Vector Index, and Progress Bus.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"recordroute/internal/apperr"
	"recordroute/internal/chunking"
	"recordroute/internal/engine"
	"recordroute/internal/history"
	"recordroute/internal/metrics"
	"recordroute/internal/progressbus"
	"recordroute/internal/registry"
	"recordroute/internal/storagelayout"
	"recordroute/internal/vectorindex"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// Step mirrors registry.Step/history.Step; the scheduler is the seam
// where the three packages' parallel vocabularies meet, so conversions
// live here rather than forcing one package to import another's enum.
type Step = registry.Step

const (
	StepSTT       = registry.StepSTT
	StepEmbedding = registry.StepEmbedding
	StepSummary   = registry.StepSummary
)

// StepResult is one requested step's outcome.
type StepResult struct {
	Step         Step
	ArtifactPath string
	Err          error
	ErrorCode    string
}

// ProcessRequest mirrors the /process wire contract.
type ProcessRequest struct {
	RecordID       string
	Steps          []Step
	TaskIDs        map[Step]string // optional caller-supplied task ids, keyed by step
	ModelOverrides map[Step]string
}

// Config bundles the scheduler's tunables, sourced from internal/config
// package-level variables by the caller so this package stays
// independently testable without touching process environment state.
type Config struct {
	EmbeddingMaxPromptChars int
	ChunkOverlapChars       int
	SummaryMapReduceChars   int
	ReduceBatchSize         int
	MaxConcurrentSTT        int
	MaxConcurrentEmbedding  int
	MaxConcurrentSummary    int
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
}

// Scheduler is the Workflow Executor.
type Scheduler struct {
	cfg      Config
	layout   *storagelayout.Layout
	hist     *history.Store
	vec      *vectorindex.Index
	bus      *progressbus.Bus
	registry *registry.Registry
	collab   engine.Collaborators

	slots map[Step]*semaphore.Weighted
	cbs   map[Step]*gobreaker.CircuitBreaker
}

// New creates a Scheduler wired to the given leaf components.
func New(cfg Config, layout *storagelayout.Layout, hist *history.Store, vec *vectorindex.Index, bus *progressbus.Bus, reg *registry.Registry, collab engine.Collaborators) *Scheduler {
	weight := func(n int) int64 {
		if n <= 0 {
			return 1
		}
		return int64(n)
	}

	s := &Scheduler{
		cfg:      cfg,
		layout:   layout,
		hist:     hist,
		vec:      vec,
		bus:      bus,
		registry: reg,
		collab:   collab,
		slots: map[Step]*semaphore.Weighted{
			StepSTT:       semaphore.NewWeighted(weight(cfg.MaxConcurrentSTT)),
			StepEmbedding: semaphore.NewWeighted(weight(cfg.MaxConcurrentEmbedding)),
			StepSummary:   semaphore.NewWeighted(weight(cfg.MaxConcurrentSummary)),
		},
		cbs: make(map[Step]*gobreaker.CircuitBreaker),
	}
	for _, step := range []Step{StepSTT, StepEmbedding, StepSummary} {
		step := step
		s.cbs[step] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "engine-" + string(step),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return s
}

// Process runs every requested step for record_id, in the order given,
// honoring intra-request dependencies (stt before embedding/summary).
func (s *Scheduler) Process(ctx context.Context, req ProcessRequest) []StepResult {
	rec, err := s.hist.Get(req.RecordID)
	if err != nil {
		return []StepResult{{Err: fmt.Errorf("scheduler: resolve record: %w", err), ErrorCode: apperr.Code(err)}}
	}

	requested := make(map[Step]bool, len(req.Steps))
	for _, step := range req.Steps {
		requested[step] = true
	}

	results := make([]StepResult, 0, len(req.Steps))
	predecessorFailed := false
	for _, step := range req.Steps {
		if predecessorFailed && stepDependsOnSTT(step) && requested[StepSTT] {
			results = append(results, StepResult{Step: step, Err: apperr.ErrPredecessorFailed, ErrorCode: apperr.Code(apperr.ErrPredecessorFailed)})
			continue
		}

		if stepDependsOnSTT(step) && rec.FileType == history.FileTypeAudio && !rec.CompletedTasks.Get(StepSTT) {
			if !(requested[StepSTT] && precedesInRequest(req.Steps, StepSTT, step)) {
				results = append(results, StepResult{Step: step, Err: apperr.ErrDependencyNotMet, ErrorCode: apperr.Code(apperr.ErrDependencyNotMet)})
				continue
			}
		}

		taskID := req.TaskIDs[step]
		if taskID == "" {
			taskID = uuid.NewString()
		}
		res := s.runStep(ctx, rec.RecordID, step, taskID, req.ModelOverrides[step])
		if res.Err != nil && step == StepSTT {
			predecessorFailed = true
		}
		results = append(results, res)

		rec, _ = s.hist.Get(req.RecordID) // refresh so the next step sees this step's completion
	}
	return results
}

func stepDependsOnSTT(step Step) bool {
	return step == StepEmbedding || step == StepSummary
}

func precedesInRequest(steps []Step, a, b Step) bool {
	ai, bi := -1, -1
	for i, s := range steps {
		if s == a && ai == -1 {
			ai = i
		}
		if s == b && bi == -1 {
			bi = i
		}
	}
	return ai != -1 && bi != -1 && ai < bi
}

func (s *Scheduler) runStep(ctx context.Context, recordID string, step Step, taskID, modelOverride string) StepResult {
	token, err := s.registry.Register(taskID, recordID, step)
	if err != nil {
		return StepResult{Step: step, Err: err, ErrorCode: apperr.Code(err)}
	}

	s.bus.PublishMessage(taskID, fmt.Sprintf("%s queued", step))

	sem := s.slots[step]
	if err := sem.Acquire(ctx, 1); err != nil {
		s.registry.Fail(taskID, "CANCELLED", "cancelled while waiting for a slot")
		s.bus.PublishTerminal(taskID, "cancelled while waiting for a slot", progressbus.TerminalCancelled)
		s.registry.Unregister(taskID)
		return StepResult{Step: step, Err: apperr.ErrCancelled, ErrorCode: apperr.Code(apperr.ErrCancelled)}
	}
	defer sem.Release(1)

	s.registry.Transition(taskID, registry.StateRunning)
	s.bus.PublishMessage(taskID, fmt.Sprintf("%s running", step))

	started := time.Now()
	var artifactPath string
	switch step {
	case StepSTT:
		artifactPath, err = s.runSTT(ctx, recordID, taskID, token, modelOverride)
	case StepEmbedding:
		artifactPath, err = s.runEmbedding(ctx, recordID, taskID, token)
	case StepSummary:
		artifactPath, err = s.runSummary(ctx, recordID, taskID, token, modelOverride)
	default:
		err = fmt.Errorf("scheduler: unknown step %q", step)
	}
	metrics.StepDuration.WithLabelValues(string(step)).Observe(time.Since(started).Seconds())

	if err != nil {
		code := apperr.Code(err)
		if code == "" {
			code = "ENGINE_ERROR"
		}
		s.registry.Fail(taskID, code, err.Error())
		kind := progressbus.TerminalFailed
		if errIsCancellation(err) {
			kind = progressbus.TerminalCancelled
			metrics.TasksTotal.WithLabelValues(string(step), "cancelled").Inc()
		} else {
			metrics.TasksTotal.WithLabelValues(string(step), "failed").Inc()
		}
		s.bus.PublishTerminal(taskID, err.Error(), kind)
		s.registry.Unregister(taskID)
		return StepResult{Step: step, Err: err, ErrorCode: code}
	}

	s.registry.Transition(taskID, registry.StateSucceeded)
	metrics.TasksTotal.WithLabelValues(string(step), "succeeded").Inc()
	s.bus.PublishTerminal(taskID, fmt.Sprintf("%s succeeded", step), progressbus.TerminalSucceeded)
	s.registry.Unregister(taskID)
	return StepResult{Step: step, ArtifactPath: artifactPath}
}

func errIsCancellation(err error) bool {
	return errors.Is(err, apperr.ErrCancelled)
}

// withRetry wraps call in the step's circuit breaker and an exponential
// backoff retry loop. isTransient classifies the error returned by call;
// non-transient errors fail immediately without consuming the retry
// budget.
func (s *Scheduler) withRetry(ctx context.Context, step Step, taskID string, isTransient func(error) bool, call func() error) error {
	cb := s.cbs[step]

	attempt := 0
	maxRetries := 0 // set below, before backoff.Retry first calls operation
	operation := func() error {
		attempt++
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, call()
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return err // breaker open: surfaced as transient, retried on its own schedule
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt <= maxRetries {
			s.registry.RecordRetry(taskID)
			metrics.RetriesTotal.WithLabelValues(string(step)).Inc()
			s.bus.PublishMessage(taskID, fmt.Sprintf("retrying %s after transient error: %v", step, err))
		}
		return err
	}

	maxRetries = s.cfg.RetryMaxAttempts
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := s.cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	bo := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base * 4,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}, uint64(maxRetries))

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func isTransientCollaboratorError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperr.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Malformed-input/not-found style failures are never transient; any
	// sentinel in the apperr taxonomy is treated as permanent since they
	// represent caller/data errors, not collaborator flakiness.
	if apperr.Code(err) != "" {
		return false
	}
	return true
}

func (s *Scheduler) runSTT(ctx context.Context, recordID, taskID string, token *registry.CancellationToken, modelOverride string) (string, error) {
	rec, err := s.hist.Get(recordID)
	if err != nil {
		return "", err
	}

	var transcript string
	err = s.withRetry(ctx, StepSTT, taskID, isTransientCollaboratorError, func() error {
		text, err := s.collab.STT.Transcribe(ctx, rec.SourcePath, engine.TranscribeOptions{ModelOverride: modelOverride}, token, func(pct int) {
			s.bus.PublishPercent(taskID, "transcribing", pct)
		})
		if err != nil {
			return err
		}
		transcript = text
		return nil
	})
	if err != nil {
		return "", err
	}

	path, err := s.layout.ArtifactPath(recordID, "stt")
	if err != nil {
		return "", err
	}
	if err := storagelayout.WriteFileAtomic(path, []byte(transcript), 0o644); err != nil {
		return "", err
	}
	if err := s.hist.MarkCompleted(recordID, history.StepSTT, path, nil); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Scheduler) readSourceText(recordID string) (string, error) {
	rec, err := s.hist.Get(recordID)
	if err != nil {
		return "", err
	}

	if rec.FileType == history.FileTypeAudio {
		sttPath, ok := rec.ArtifactPaths[history.StepSTT]
		if !ok {
			return "", fmt.Errorf("scheduler: %w: audio record has no stt artifact", apperr.ErrDependencyNotMet)
		}
		data, err := os.ReadFile(sttPath)
		if err != nil {
			return "", fmt.Errorf("scheduler: read stt artifact: %w", err)
		}
		return string(data), nil
	}

	abs := rec.SourcePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.layout.Root(), rec.SourcePath)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("scheduler: %w: %s", apperr.ErrNoTargetFile, rec.SourcePath)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("scheduler: read source text: %w", err)
	}
	return string(data), nil
}

func (s *Scheduler) runEmbedding(ctx context.Context, recordID, taskID string, token *registry.CancellationToken) (string, error) {
	text, err := s.readSourceText(recordID)
	if err != nil {
		return "", err
	}

	maxChars := s.cfg.EmbeddingMaxPromptChars
	if maxChars <= 0 {
		maxChars = 7500
	}
	pieces := chunking.Split(text, maxChars, s.cfg.ChunkOverlapChars)

	chunks := make([]vectorindex.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		if token != nil && token.IsCancelled() {
			return "", apperr.ErrCancelled
		}
		var vec []float32
		err := s.withRetry(ctx, StepEmbedding, taskID, isTransientCollaboratorError, func() error {
			v, err := s.collab.Embedding.Embed(ctx, piece.Text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if err != nil {
			return "", err
		}
		chunks = append(chunks, vectorindex.Chunk{Index: piece.Index, Text: piece.Text, Vector: vec})
		s.bus.PublishPercent(taskID, "embedding", (i+1)*100/max(len(pieces), 1))
	}

	rec, err := s.hist.Get(recordID)
	if err != nil {
		return "", err
	}
	if err := s.vec.Put(recordID, chunks, vectorindex.Meta{
		UploadedAt:      rec.UploadedAt,
		DisplayFilename: rec.DisplayFilename,
		SourceFilename:  filepath.Base(rec.SourcePath),
	}); err != nil {
		return "", err
	}

	chunksPath, err := s.layout.ChunksPath(recordID)
	if err != nil {
		return "", err
	}
	if err := writeChunksManifest(chunksPath, pieces); err != nil {
		return "", err
	}

	var titleSummary *string
	var title string
	err = s.withRetry(ctx, StepSummary, taskID, isTransientCollaboratorError, func() error {
		out, err := s.collab.Summarization.Generate(ctx, oneLineSummaryPrompt(text), engine.SummaryOptions{MaxTokens: 64})
		if err != nil {
			return err
		}
		title = out
		return nil
	})
	if err == nil && title != "" {
		titleSummary = &title
	}

	if err := s.hist.MarkCompleted(recordID, history.StepEmbedding, chunksPath, titleSummary); err != nil {
		return "", err
	}
	return chunksPath, nil
}

func oneLineSummaryPrompt(text string) string {
	preview := text
	if len(preview) > 2000 {
		preview = preview[:2000]
	}
	return "Provide a single short one-line description of the following content:\n\n" + preview
}

const sixSectionInstruction = "Produce a structured summary with exactly these six sections, in order: " +
	"Major Topics, Key Points, Decisions, Action Items, Risks/Issues, Next Steps."

func (s *Scheduler) runSummary(ctx context.Context, recordID, taskID string, token *registry.CancellationToken, modelOverride string) (string, error) {
	text, err := s.readSourceText(recordID)
	if err != nil {
		return "", err
	}

	threshold := s.cfg.SummaryMapReduceChars
	if threshold <= 0 {
		threshold = 12000
	}

	var summary string
	if len([]rune(text)) <= threshold {
		err = s.withRetry(ctx, StepSummary, taskID, isTransientCollaboratorError, func() error {
			out, err := s.collab.Summarization.Generate(ctx, sixSectionInstruction+"\n\n"+text, engine.SummaryOptions{ModelOverride: modelOverride})
			if err != nil {
				return err
			}
			summary = out
			return nil
		})
		if err != nil {
			return "", err
		}
	} else {
		summary, err = s.mapReduceSummary(ctx, taskID, token, text, modelOverride)
		if err != nil {
			return "", err
		}
	}

	path, err := s.layout.ArtifactPath(recordID, "summary")
	if err != nil {
		return "", err
	}
	if err := storagelayout.WriteFileAtomic(path, []byte(summary), 0o644); err != nil {
		return "", err
	}
	if err := s.hist.MarkCompleted(recordID, history.StepSummary, path, nil); err != nil {
		return "", err
	}
	return path, nil
}

// mapReduceSummary chunks text, summarizes each chunk (map), then folds
// partial summaries together in batches of at most ReduceBatchSize until
// a single summary remains (reduce). The map phase's chunk-processing
// fan-out is grounded on the teacher's downloadWorker/ffmpegWorker
// channel-pipeline pattern in internal/processor/processor.go,
// generalized from "download then transcode" to "map then reduce": each
// chunk is an independent unit of work fed through a bounded worker pool
// and collected back into index order before the reduce phase begins.
func (s *Scheduler) mapReduceSummary(ctx context.Context, taskID string, token *registry.CancellationToken, text string, modelOverride string) (string, error) {
	maxChars := s.cfg.EmbeddingMaxPromptChars
	if maxChars <= 0 {
		maxChars = 7500
	}
	pieces := chunking.Split(text, maxChars, s.cfg.ChunkOverlapChars)

	type mapJob struct {
		index int
		text  string
	}
	type mapResult struct {
		index int
		text  string
		err   error
	}

	jobs := make(chan mapJob, len(pieces))
	results := make(chan mapResult, len(pieces))

	const mapWorkers = 3
	for w := 0; w < mapWorkers; w++ {
		go func() {
			for job := range jobs {
				if token != nil && token.IsCancelled() {
					results <- mapResult{index: job.index, err: apperr.ErrCancelled}
					continue
				}
				var out string
				err := s.withRetry(ctx, StepSummary, taskID, isTransientCollaboratorError, func() error {
					text, err := s.collab.Summarization.Generate(ctx, "Summarize the following excerpt in a few sentences:\n\n"+job.text, engine.SummaryOptions{ModelOverride: modelOverride})
					if err != nil {
						return err
					}
					out = text
					return nil
				})
				results <- mapResult{index: job.index, text: out, err: err}
			}
		}()
	}
	for _, p := range pieces {
		jobs <- mapJob{index: p.Index, text: p.Text}
	}
	close(jobs)

	partials := make([]string, len(pieces))
	for range pieces {
		r := <-results
		if r.err != nil {
			return "", r.err
		}
		partials[r.index] = r.text
		s.bus.PublishMessage(taskID, fmt.Sprintf("summarized chunk %d/%d", r.index+1, len(pieces)))
	}

	batchSize := s.cfg.ReduceBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	for len(partials) > 1 {
		batches := chunking.Batch(partials, batchSize)
		next := make([]string, 0, len(batches))
		for _, batch := range batches {
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			var combined string
			for _, p := range batch {
				combined += p + "\n\n"
			}
			var reduced string
			err := s.withRetry(ctx, StepSummary, taskID, isTransientCollaboratorError, func() error {
				out, err := s.collab.Summarization.Generate(ctx, sixSectionInstruction+"\n\nCombine these partial summaries:\n\n"+combined, engine.SummaryOptions{ModelOverride: modelOverride})
				if err != nil {
					return err
				}
				reduced = out
				return nil
			})
			if err != nil {
				return "", err
			}
			next = append(next, reduced)
		}
		partials = next
	}
	return partials[0], nil
}

func writeChunksManifest(path string, pieces []chunking.Chunk) error {
	type chunkRecord struct {
		Index int    `json:"index"`
		Text  string `json:"text"`
	}
	out := make([]chunkRecord, len(pieces))
	for i, p := range pieces {
		out[i] = chunkRecord{Index: p.Index, Text: p.Text}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return storagelayout.WriteFileAtomic(path, data, 0o644)
}
