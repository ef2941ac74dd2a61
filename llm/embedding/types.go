// Package embedding provides the embedding provider contract along with
// OpenAI, Ollama, and hybrid (primary with fallback) implementations.
package embedding

import (
	"context"
	"time"
)

// Request asks for embeddings of one or more inputs.
type Request struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

// Data is a single embedding result.
type Data struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// Usage reports token consumption for an embedding request.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response holds embeddings in input order.
type Response struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Embeddings []Data    `json:"embeddings"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Vectors flattens the response into one vector per input, in order.
func (r *Response) Vectors() [][]float64 {
	out := make([][]float64, len(r.Embeddings))
	for i, d := range r.Embeddings {
		out[i] = d.Embedding
	}
	return out
}

// EmbedDocuments embeds a batch of document texts and returns one vector
// per input, in order.
func EmbedDocuments(ctx context.Context, p Provider, texts []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &Request{Input: texts})
	if err != nil {
		return nil, err
	}
	return resp.Vectors(), nil
}

// Provider is the unified embedding interface. Batch input is always
// supported even when callers embed a single query string.
type Provider interface {
	// Embed generates embeddings for the given inputs.
	Embed(ctx context.Context, req *Request) (*Response, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the default embedding dimensionality.
	Dimensions() int
}
