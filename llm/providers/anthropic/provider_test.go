package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evaplatform/ragd/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "ak-test", BaseURL: srv.URL}, zap.NewNop())
}

func TestProvider_Completion(t *testing.T) {
	var gotBody anthropicRequest
	var gotKey, gotVersion string

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_01",
			"model": "claude-sonnet-4-20250514",
			"content": []map[string]any{
				{"type": "text", "text": "The deadline is "},
				{"type": "text", "text": "April 15 [Doc 2]"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 200, "output_tokens": 12},
		})
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "when is the deadline?"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "ak-test", gotKey)
	assert.Equal(t, apiVersion, gotVersion)

	// System messages move to the top-level field and out of the list.
	assert.Equal(t, "be brief", gotBody.System)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Equal(t, 2048, gotBody.MaxTokens)

	assert.Equal(t, "msg_01", resp.ID)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "The deadline is April 15 [Doc 2]", resp.Answer())
	assert.Equal(t, "end_turn", resp.Choices[0].FinishReason)
	assert.Equal(t, 200, resp.Usage.PromptTokens)
	assert.Equal(t, 12, resp.Usage.CompletionTokens)
	assert.Equal(t, 212, resp.Usage.TotalTokens)
}

func TestProvider_CompletionMergesSystemMessages(t *testing.T) {
	var gotBody anthropicRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "first"},
			{Role: llm.RoleSystem, Content: "second"},
			{Role: llm.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond", gotBody.System)
}

func TestProvider_CompletionSkipsNonTextBlocks(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "answer"},
			},
		})
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Answer())
}

func TestProvider_ErrorMapping(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited"},
		})
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	var le *llm.Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, llm.ErrRateLimited, le.Code)
	assert.True(t, le.Retryable)
	assert.Equal(t, "anthropic", le.Provider)
}

func TestProvider_HealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}
