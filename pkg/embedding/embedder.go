// Package embedding turns claim card text into vectors through any
// OpenAI-compatible embeddings endpoint.
package embedding

import (
	"context"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/veridian-ai/claimpipe/internal/resilience"
)

// Embedder produces vectors for batches of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*Result, error)
	Model() string
}

// Result holds one batch of vectors plus token usage for cost
// attribution.
type Result struct {
	Vectors      [][]float32
	PromptTokens int
}

type openaiEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an Embedder against an OpenAI-compatible endpoint.
// baseURL may point at a local server (Ollama, vLLM) or the hosted API.
func NewOpenAI(apiKey, baseURL, model string) Embedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openaiEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (e *openaiEmbedder) Model() string {
	return e.model
}

func (e *openaiEmbedder) Embed(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(eris.Wrap(err, "embedding: create"), 0)
		}
		return nil, eris.Wrap(err, "embedding: create")
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, eris.Errorf("embedding: index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return &Result{
		Vectors:      vectors,
		PromptTokens: resp.Usage.PromptTokens,
	}, nil
}
