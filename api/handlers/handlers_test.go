package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evaplatform/ragd/rag"
)

// stubCache is a pass-through tenant cache with no stored entries.
type stubCache struct {
	rateLimited bool
	balance     float64
}

func (c *stubCache) GetQueryCache(ctx context.Context, tenantID, query string, dest any) error {
	return errors.New("miss")
}

func (c *stubCache) SetQueryCache(ctx context.Context, tenantID, query string, result any, ttl time.Duration) error {
	return nil
}

func (c *stubCache) CheckRateLimit(ctx context.Context, tenantID string, limit, windowSeconds int) (bool, int) {
	if c.rateLimited {
		return false, 0
	}
	return true, limit - 1
}

func (c *stubCache) TenantBalance(ctx context.Context, tenantID string) float64 { return c.balance }

func (c *stubCache) DeductTenantBalance(ctx context.Context, tenantID string, amount float64) float64 {
	c.balance -= amount
	return c.balance
}

type stubSearcher struct {
	results []rag.SearchResult
	err     error
	last    rag.SearchQuery
}

func (s *stubSearcher) Retrieve(ctx context.Context, q rag.SearchQuery) (*rag.RetrievalResponse, error) {
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	return &rag.RetrievalResponse{
		Query:            q.Query,
		TenantID:         q.TenantID,
		Results:          s.results,
		TotalResults:     len(s.results),
		ProcessingTimeMs: 1.0,
	}, nil
}

type stubGenerator struct{}

func (g *stubGenerator) Generate(ctx context.Context, req rag.GenerateRequest, results []rag.SearchResult) (*rag.GenerateResult, error) {
	return &rag.GenerateResult{
		Query:            req.Query,
		Answer:           "Answer [Doc 1]",
		Citations:        []rag.Citation{{DocumentID: "doc-1", ChunkID: "c1"}},
		Model:            "gpt-4-turbo",
		TokensUsed:       rag.TokensUsed{InputTokens: 100, OutputTokens: 20, Total: 120},
		Cost:             0.014,
		ProcessingTimeMs: 2.0,
	}, nil
}

func newTestService(cache *stubCache, searcher *stubSearcher) *rag.Service {
	if cache.balance == 0 {
		cache.balance = 9999.5
	}
	return rag.NewService(rag.DefaultServiceConfig(), cache, searcher, &stubGenerator{}, nil, nil, zap.NewNop())
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestQueryHandler_Success(t *testing.T) {
	searcher := &stubSearcher{results: []rag.SearchResult{{ID: "c1", Score: 0.9, Content: "chunk", DocumentID: "doc-1"}}}
	h := NewQueryHandler(newTestService(&stubCache{}, searcher), zap.NewNop())

	rec := doRequest(t, h.HandleQuery, http.MethodPost, "/v1/query",
		`{"tenant_id":"acme","query":"when is the deadline?"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.014000", rec.Header().Get("X-Request-Cost"))
	assert.Equal(t, "120", rec.Header().Get("X-Tokens-Total"))
	assert.Equal(t, "9999.49", rec.Header().Get("X-Tenant-Balance"))

	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result rag.QueryResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "Answer [Doc 1]", result.Answer)
	assert.Len(t, result.Citations, 1)
}

func TestQueryHandler_Validation(t *testing.T) {
	h := NewQueryHandler(newTestService(&stubCache{}, &stubSearcher{}), zap.NewNop())

	tests := []struct {
		name string
		body string
	}{
		{"missing tenant", `{"query":"hi"}`},
		{"blank tenant", `{"tenant_id":"  ","query":"hi"}`},
		{"missing query", `{"tenant_id":"acme"}`},
		{"invalid json", `{not json`},
		{"unknown field", `{"tenant_id":"acme","query":"hi","bogus":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h.HandleQuery, http.MethodPost, "/v1/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeEnvelope(t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
		})
	}
}

func TestQueryHandler_ExplicitZeroThreshold(t *testing.T) {
	searcher := &stubSearcher{results: []rag.SearchResult{{ID: "c1", Score: 0.0, Content: "chunk"}}}
	h := NewQueryHandler(newTestService(&stubCache{}, searcher), zap.NewNop())

	rec := doRequest(t, h.HandleQuery, http.MethodPost, "/v1/query",
		`{"tenant_id":"acme","query":"hi","score_threshold":0}`)

	require.Equal(t, http.StatusOK, rec.Code)
	// 0 in the body reaches the retriever as 0, not the 0.5 default.
	assert.Equal(t, 0.0, searcher.last.ScoreThreshold)
}

func TestQueryHandler_MethodNotAllowed(t *testing.T) {
	h := NewQueryHandler(newTestService(&stubCache{}, &stubSearcher{}), zap.NewNop())

	rec := doRequest(t, h.HandleQuery, http.MethodGet, "/v1/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQueryHandler_RateLimited(t *testing.T) {
	h := NewQueryHandler(newTestService(&stubCache{rateLimited: true}, &stubSearcher{}), zap.NewNop())

	rec := doRequest(t, h.HandleQuery, http.MethodPost, "/v1/query",
		`{"tenant_id":"acme","query":"hi"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, string(rag.ErrRateLimited), resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
}

func TestQueryHandler_RetrievalFailure(t *testing.T) {
	searcher := &stubSearcher{err: &rag.Error{
		Code:       rag.ErrRetrieval,
		Message:    "vector search failed",
		HTTPStatus: http.StatusBadGateway,
	}}
	h := NewQueryHandler(newTestService(&stubCache{}, searcher), zap.NewNop())

	rec := doRequest(t, h.HandleQuery, http.MethodPost, "/v1/query",
		`{"tenant_id":"acme","query":"hi"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, string(rag.ErrRetrieval), resp.Error.Code)
}

func TestQueryHandler_TenantStats(t *testing.T) {
	h := NewQueryHandler(newTestService(&stubCache{}, &stubSearcher{}), zap.NewNop())

	rec := doRequest(t, h.HandleTenantStats, http.MethodGet, "/v1/tenants/acme/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var stats rag.TenantStats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, "acme", stats.TenantID)
	assert.Equal(t, 9999.5, stats.Balance)
}

func TestQueryHandler_TenantStatsBadPath(t *testing.T) {
	h := NewQueryHandler(newTestService(&stubCache{}, &stubSearcher{}), zap.NewNop())

	rec := doRequest(t, h.HandleTenantStats, http.MethodGet, "/v1/tenants//stats", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h.HandleTenantStats, http.MethodGet, "/v1/tenants/a/b/stats", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// stubIndex records calls for the document handler tests.
type stubIndex struct {
	upserted []rag.Chunk
	deleted  [][2]string
	err      error
}

func (s *stubIndex) Search(ctx context.Context, tenantID string, vector []float64, limit int, scoreThreshold float64, filters map[string]any) ([]rag.RawHit, error) {
	return nil, nil
}

func (s *stubIndex) UpsertChunks(ctx context.Context, chunks []rag.Chunk) error {
	if s.err != nil {
		return s.err
	}
	s.upserted = append(s.upserted, chunks...)
	return nil
}

func (s *stubIndex) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, [2]string{tenantID, documentID})
	return nil
}

func (s *stubIndex) Stats(ctx context.Context, tenantID string) (*rag.CollectionStats, error) {
	return &rag.CollectionStats{Collection: "tenant_" + tenantID}, nil
}

func (s *stubIndex) Close() error { return nil }

func TestDocumentHandler_Ingest(t *testing.T) {
	idx := &stubIndex{}
	h := NewDocumentHandler(idx, zap.NewNop())

	rec := doRequest(t, h.HandleIngest, http.MethodPost, "/v1/documents",
		`{"tenant_id":"acme","chunks":[{"id":"c1","document_id":"doc-1","content":"text","embedding":[0.1,0.2]}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, idx.upserted, 1)
	// Chunk tenant defaults to the request tenant.
	assert.Equal(t, "acme", idx.upserted[0].TenantID)
}

func TestDocumentHandler_IngestValidation(t *testing.T) {
	h := NewDocumentHandler(&stubIndex{}, zap.NewNop())

	rec := doRequest(t, h.HandleIngest, http.MethodPost, "/v1/documents", `{"chunks":[{"id":"c1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h.HandleIngest, http.MethodPost, "/v1/documents", `{"tenant_id":"acme","chunks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentHandler_IngestBackendFailure(t *testing.T) {
	h := NewDocumentHandler(&stubIndex{err: errors.New("qdrant down")}, zap.NewNop())

	rec := doRequest(t, h.HandleIngest, http.MethodPost, "/v1/documents",
		`{"tenant_id":"acme","chunks":[{"id":"c1"}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "INGEST_FAILED", decodeEnvelope(t, rec).Error.Code)
}

func TestDocumentHandler_Delete(t *testing.T) {
	idx := &stubIndex{}
	h := NewDocumentHandler(idx, zap.NewNop())

	rec := doRequest(t, h.HandleDeleteDocument, http.MethodDelete, "/v1/tenants/acme/documents/doc-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, idx.deleted, 1)
	assert.Equal(t, [2]string{"acme", "doc-9"}, idx.deleted[0])
}

func TestDocumentHandler_DeleteBadPath(t *testing.T) {
	h := NewDocumentHandler(&stubIndex{}, zap.NewNop())

	rec := doRequest(t, h.HandleDeleteDocument, http.MethodDelete, "/v1/tenants/acme/documents/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h.HandleDeleteDocument, http.MethodDelete, "/v1/tenants/acme/stats", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler_Healthz(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	rec := doRequest(t, h.HandleHealthz, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthHandler_ReadyzAllPass(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(HealthCheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error { return nil }})
	h.RegisterCheck(HealthCheckFunc{CheckName: "llm", Fn: func(ctx context.Context) error { return nil }})

	rec := doRequest(t, h.HandleReadyz, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
	assert.Equal(t, "pass", status.Checks["llm"].Status)
}

func TestHealthHandler_ReadyzDegraded(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(HealthCheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error { return nil }})
	h.RegisterCheck(HealthCheckFunc{CheckName: "llm", Fn: func(ctx context.Context) error {
		return errors.New("upstream unreachable")
	}})

	rec := doRequest(t, h.HandleReadyz, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
	assert.Equal(t, "fail", status.Checks["llm"].Status)
	assert.Equal(t, "upstream unreachable", status.Checks["llm"].Message)
}
