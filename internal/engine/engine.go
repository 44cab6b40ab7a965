// Package engine defines the collaborator contracts the Scheduler
// dispatches work to (speech-to-text, embedding, summarization) and a
// Factory that selects a concrete backend, generalizing the teacher's
// storage.StorageFactory (internal/storage/factory.go) from "pick gdrive
// vs s3" to "pick a real collaborator vs a deterministic stub".
package engine

import (
	"context"
	"fmt"

	"recordroute/internal/registry"
)

// ProgressFunc reports an intermediate percent-complete value from a
// collaborator back to the caller; percent is in [0, 100].
type ProgressFunc func(percent int)

// TranscribeOptions carries per-request overrides for the STT
// collaborator; the zero value requests default model behavior.
type TranscribeOptions struct {
	ModelOverride string
}

// STT transcribes an audio source to text. Implementations must poll
// token at least every ~500ms and at natural checkpoints (between
// segments) and return apperr.ErrCancelled promptly once it fires.
type STT interface {
	Transcribe(ctx context.Context, sourcePath string, opts TranscribeOptions, token *registry.CancellationToken, progress ProgressFunc) (string, error)
}

// Embedding produces a fixed-dimensionality vector for a chunk of text.
// Implementations must be idempotent and side-effect-free.
type Embedding interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// SummaryOptions carries per-request overrides for the summarization
// collaborator.
type SummaryOptions struct {
	ModelOverride string
	MaxTokens     int
}

// Summarization generates text from a prompt. A streaming variant is
// not part of the contract and Generate takes no progress callback;
// callers that want incremental progress report it themselves on chunk
// boundaries they control (e.g. map-reduce chunk completion), not
// token-by-token streaming.
type Summarization interface {
	Generate(ctx context.Context, prompt string, opts SummaryOptions) (string, error)
}

// Backend names a selectable collaborator implementation.
type Backend string

const (
	BackendStub      Backend = "stub"
	BackendAnthropic Backend = "anthropic"
)

// Collaborators bundles the three engine interfaces a Scheduler needs;
// a Factory produces one consistent set rather than letting STT and
// Embedding come from different backends by accident.
type Collaborators struct {
	STT           STT
	Embedding     Embedding
	Summarization Summarization
}

// Factory selects a Collaborators set from a Backend name, mirroring
// storage.StorageFactory.CreateStorage's switch-on-type-then-validate
// shape.
type Factory struct{}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// FactoryConfig carries the settings a concrete backend needs to
// construct its client; fields unused by the selected backend are
// ignored.
type FactoryConfig struct {
	AnthropicAPIKey string
	EmbeddingDim    int
}

// Create builds the Collaborators set for the named backend.
func (f *Factory) Create(backend Backend, cfg FactoryConfig) (Collaborators, error) {
	switch backend {
	case BackendStub, "":
		return Collaborators{
			STT:           NewStubSTT(),
			Embedding:     NewStubEmbedding(cfg.EmbeddingDim),
			Summarization: NewStubSummarization(),
		}, nil
	case BackendAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return Collaborators{}, fmt.Errorf("engine: ANTHROPIC_API_KEY is required for backend %q", backend)
		}
		client := newAnthropicClient(cfg.AnthropicAPIKey)
		return Collaborators{
			STT:           NewStubSTT(), // no production audio STT collaborator in this stack; see DESIGN.md
			Embedding:     newAnthropicEmbedding(client, cfg.EmbeddingDim),
			Summarization: newAnthropicSummarization(client),
		}, nil
	default:
		return Collaborators{}, fmt.Errorf("engine: unsupported backend %q", backend)
	}
}
