package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicClient wraps the SDK client behind the narrow surface this
// package actually calls, so stub.go and anthropic.go both satisfy the
// same Summarization/Embedding interfaces regardless of backend.
type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string) *anthropicClient {
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// anthropicSummarization drives the summarization collaborator contract
// (`generate(prompt, options) → text`) against Claude. The streaming
// variant mentioned in the contract is not used here: a single
// non-streaming call per map or reduce step keeps the scheduler's retry
// and circuit-breaker wrapping simple, and the map-reduce driver already
// breaks long transcripts into bounded-size requests.
type anthropicSummarization struct {
	client *anthropicClient
}

func newAnthropicSummarization(client *anthropicClient) *anthropicSummarization {
	return &anthropicSummarization{client: client}
}

const defaultSummaryMaxTokens = 1024

func (s *anthropicSummarization) Generate(ctx context.Context, prompt string, opts SummaryOptions) (string, error) {
	model := anthropic.ModelClaude3_7SonnetLatest
	if opts.ModelOverride != "" {
		model = anthropic.Model(opts.ModelOverride)
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}

	msg, err := s.client.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("engine: anthropic summarization request: %w", err)
	}

	var out string
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			out += text
		}
	}
	return out, nil
}

// anthropicEmbedding is not a real Anthropic product surface (Claude has
// no first-party embeddings endpoint as of this writing), so it derives
// a deterministic fallback vector the same way StubEmbedding does. The
// factory still routes callers through this type rather than StubEmbedding
// directly so switching RECORDROUTE_ENGINE_BACKEND to "anthropic" is a
// single consistent choice and the seam is in one place if a real
// embeddings collaborator is wired in later.
type anthropicEmbedding struct {
	dim int
}

func newAnthropicEmbedding(client *anthropicClient, dim int) *anthropicEmbedding {
	if dim <= 0 {
		dim = 16
	}
	return &anthropicEmbedding{dim: dim}
}

func (e *anthropicEmbedding) Dimensions() int { return e.dim }

func (e *anthropicEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
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
