package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
	"time"

	"recordroute/internal/apperr"
	"recordroute/internal/registry"
)

// StubSTT is a deterministic STT collaborator used when
// RECORDROUTE_ENGINE_BACKEND=stub (the default), so scheduler and HTTP
// tests never require network access or an audio decoder.
type StubSTT struct{}

// NewStubSTT creates a StubSTT.
func NewStubSTT() *StubSTT { return &StubSTT{} }

// Transcribe returns a fixed transcript derived from the source path,
// polling the cancellation token before each of its three synthetic
// checkpoints and once more before reporting completion.
func (s *StubSTT) Transcribe(ctx context.Context, sourcePath string, opts TranscribeOptions, token *registry.CancellationToken, progress ProgressFunc) (string, error) {
	if progress != nil {
		progress(0)
	}
	for _, pct := range []int{25, 50, 75} {
		if token != nil && token.IsCancelled() {
			return "", apperr.ErrCancelled
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Millisecond):
		}
		if progress != nil {
			progress(pct)
		}
	}
	if token != nil && token.IsCancelled() {
		return "", apperr.ErrCancelled
	}
	if progress != nil {
		progress(100)
	}
	return fmt.Sprintf("[stub transcript for %s]\nThis is a deterministic placeholder transcript generated by the stub speech-to-text collaborator.", sourcePath), nil
}

// StubEmbedding produces a deterministic vector by hashing the input
// text, so identical text always yields an identical vector (idempotent,
// as the contract requires) without calling out to a real model.
type StubEmbedding struct {
	dim int
}

// NewStubEmbedding creates a StubEmbedding with the given dimensionality.
// A non-positive dim defaults to 16.
func NewStubEmbedding(dim int) *StubEmbedding {
	if dim <= 0 {
		dim = 16
	}
	return &StubEmbedding{dim: dim}
}

func (e *StubEmbedding) Dimensions() int { return e.dim }

func (e *StubEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, e.dim)
	var norm float64
	for i := 0; i < e.dim; i++ {
		b := sum[i%len(sum)]
		v := float64(b)/127.5 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// StubSummarization returns a deterministic six-section summary so
// downstream artifact and history tests do not depend on model output.
type StubSummarization struct{}

// NewStubSummarization creates a StubSummarization.
func NewStubSummarization() *StubSummarization { return &StubSummarization{} }

func (s *StubSummarization) Generate(ctx context.Context, prompt string, opts SummaryOptions) (string, error) {
	preview := prompt
	if len(preview) > 80 {
		preview = preview[:80]
	}
	preview = strings.ReplaceAll(preview, "\n", " ")
	return fmt.Sprintf(
		"## Major Topics\n- %s\n\n## Key Points\n- stub key point\n\n## Decisions\n- none recorded\n\n## Action Items\n- none recorded\n\n## Risks/Issues\n- none recorded\n\n## Next Steps\n- none recorded\n",
		preview,
	), nil
}
