package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evaplatform/ragd/llm/retry"
)

func TestOpenAIProvider_Embed(t *testing.T) {
	var gotBody openAIEmbedRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-3-small",
			"data": []map[string]any{
				{"index": 0, "embedding": []float64{0.1, 0.2}},
				{"index": 1, "embedding": []float64{0.3, 0.4}},
			},
			"usage": map[string]any{"prompt_tokens": 9, "total_tokens": 9},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 2})

	resp, err := p.Embed(context.Background(), &Request{Input: []string{"alpha", "beta"}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "text-embedding-3-small", gotBody.Model)
	assert.Equal(t, 2, gotBody.Dimensions)
	assert.Equal(t, []string{"alpha", "beta"}, gotBody.Input)

	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float64{0.3, 0.4}, resp.Embeddings[1].Embedding)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
	assert.Equal(t, [][]float64{{0.1, 0.2}, {0.3, 0.4}}, resp.Vectors())
}

func TestOpenAIProvider_EmbedEmptyInput(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"})

	resp, err := p.Embed(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Empty(t, resp.Embeddings)
}

func TestOpenAIProvider_NoDimensionsForAda(t *testing.T) {
	var gotBody openAIEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{0.1}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 1536})

	_, err := p.Embed(context.Background(), &Request{
		Input: []string{"q"},
		Model: "text-embedding-ada-002",
	})
	require.NoError(t, err)
	assert.Zero(t, gotBody.Dimensions)
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := p.Embed(context.Background(), &Request{Input: []string{"q"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestOllamaProvider_Embed(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts = append(prompts, req.Prompt)

		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.5, 0.6, 0.7}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL})

	resp, err := p.Embed(context.Background(), &Request{Input: []string{"one", "two"}})
	require.NoError(t, err)

	// Each input is a separate request; the endpoint has no batch form.
	assert.Equal(t, []string{"one", "two"}, prompts)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, 1, resp.Embeddings[1].Index)
	assert.Equal(t, []float64{0.5, 0.6, 0.7}, resp.Embeddings[0].Embedding)
}

func TestOllamaProvider_EmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL})

	_, err := p.Embed(context.Background(), &Request{Input: []string{"q"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

type scriptedProvider struct {
	name  string
	dims  int
	calls int
	fn    func(call int) (*Response, error)
}

func (s *scriptedProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	return s.fn(s.calls)
}

func (s *scriptedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return embedQuery(ctx, s, query)
}

func (s *scriptedProvider) Name() string    { return s.name }
func (s *scriptedProvider) Dimensions() int { return s.dims }

func fastPolicy() *retry.Policy {
	return &retry.Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestHybridProvider_PrimarySucceeds(t *testing.T) {
	primary := &scriptedProvider{name: "primary", dims: 4, fn: func(int) (*Response, error) {
		return &Response{Provider: "primary", Embeddings: []Data{{Embedding: []float64{1}}}}, nil
	}}
	fallback := &scriptedProvider{name: "fallback", dims: 4, fn: func(int) (*Response, error) {
		t.Fatal("fallback should not be called")
		return nil, nil
	}}

	h := NewHybridProvider(primary, fallback, fastPolicy(), zap.NewNop())

	resp, err := h.Embed(context.Background(), &Request{Input: []string{"q"}})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Zero(t, fallback.calls)
}

func TestHybridProvider_RetriesThenFallsBack(t *testing.T) {
	primary := &scriptedProvider{name: "primary", dims: 4, fn: func(int) (*Response, error) {
		return nil, errors.New("primary down")
	}}
	fallback := &scriptedProvider{name: "fallback", dims: 4, fn: func(int) (*Response, error) {
		return &Response{Provider: "fallback", Embeddings: []Data{{Embedding: []float64{2}}}}, nil
	}}

	h := NewHybridProvider(primary, fallback, fastPolicy(), zap.NewNop())

	resp, err := h.Embed(context.Background(), &Request{Input: []string{"q"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	// Initial attempt plus two retries, then the fallback once.
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestHybridProvider_BothFail(t *testing.T) {
	primary := &scriptedProvider{name: "primary", dims: 4, fn: func(int) (*Response, error) {
		return nil, errors.New("primary down")
	}}
	fallback := &scriptedProvider{name: "fallback", dims: 4, fn: func(int) (*Response, error) {
		return nil, errors.New("fallback down")
	}}

	h := NewHybridProvider(primary, fallback, fastPolicy(), zap.NewNop())

	_, err := h.Embed(context.Background(), &Request{Input: []string{"q"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback down")
	assert.Contains(t, err.Error(), "primary down")
}

func TestHybridProvider_EmbedQuery(t *testing.T) {
	primary := &scriptedProvider{name: "primary", dims: 4, fn: func(int) (*Response, error) {
		return &Response{Embeddings: []Data{{Embedding: []float64{0.9, 0.8}}}}, nil
	}}

	h := NewHybridProvider(primary, primary, fastPolicy(), zap.NewNop())

	vec, err := h.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.8}, vec)
}

func TestEmbedDocuments(t *testing.T) {
	p := &scriptedProvider{name: "p", dims: 2, fn: func(int) (*Response, error) {
		return &Response{Embeddings: []Data{
			{Index: 0, Embedding: []float64{0.1, 0.2}},
			{Index: 1, Embedding: []float64{0.3, 0.4}},
		}}, nil
	}}

	vecs, err := EmbedDocuments(context.Background(), p, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.1, 0.2}, {0.3, 0.4}}, vecs)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(FactoryConfig{Provider: "openai"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "openai-embedding", p.Name())

	p, err = NewProvider(FactoryConfig{Provider: "ollama"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "ollama-embedding", p.Name())

	p, err = NewProvider(FactoryConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "hybrid(openai-embedding,ollama-embedding)", p.Name())

	_, err = NewProvider(FactoryConfig{Provider: "bedrock"}, zap.NewNop())
	require.Error(t, err)
}
