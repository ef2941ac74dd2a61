package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QdrantConfig configures the Qdrant-backed VectorIndex.
//
// Notes:
// - Qdrant point IDs are UUIDs; a stable UUID is derived from the chunk ID.
// - Each tenant gets its own collection named "{prefix}_{tenantID}".
type QdrantConfig struct {
	Host    string        `json:"host" yaml:"host"`
	Port    int           `json:"port" yaml:"port"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Prefix  string        `json:"prefix" yaml:"prefix"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	AutoCreateCollection bool   `json:"auto_create_collection,omitempty" yaml:"auto_create_collection,omitempty"`
	Distance             string `json:"distance,omitempty" yaml:"distance,omitempty"`       // Cosine (default), Dot, Euclid
	VectorSize           int    `json:"vector_size,omitempty" yaml:"vector_size,omitempty"` // defaults to len(embedding)
	Wait                 *bool  `json:"wait,omitempty" yaml:"wait,omitempty"`               // wait for operation completion (default true)
}

// QdrantIndex implements VectorIndex using Qdrant's REST API with one
// collection per tenant.
type QdrantIndex struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool // collections already created this process
}

// NewQdrantIndex creates a Qdrant-backed VectorIndex.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) *QdrantIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tenant"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.Wait == nil {
		wait := true
		cfg.Wait = &wait
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantIndex{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_index")),
		ensured: make(map[string]bool),
	}
}

var qdrantNamespace = uuid.MustParse("8c2f4a1e-6b3d-4d9a-9f1c-7e5b2a8d3c4f")

func qdrantPointID(chunkID string) string {
	// Stable UUID derived from chunk ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String()
}

// collectionName returns the tenant's namespaced collection.
func (s *QdrantIndex) collectionName(tenantID string) string {
	return s.cfg.Prefix + "_" + tenantID
}

func (s *QdrantIndex) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantIndex) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// EnsureCollection creates the tenant's collection if it does not exist.
func (s *QdrantIndex) EnsureCollection(ctx context.Context, tenantID string, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	collection := s.collectionName(tenantID)

	s.mu.Lock()
	done := s.ensured[collection]
	s.mu.Unlock()
	if done {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": s.cfg.Distance,
		},
	}

	endpoint := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(collection))
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Qdrant returns 409 if the collection exists.
	if resp.StatusCode != http.StatusConflict && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant create collection failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	s.mu.Lock()
	s.ensured[collection] = true
	s.mu.Unlock()
	return nil
}

// DeleteCollection removes a tenant's entire collection.
func (s *QdrantIndex) DeleteCollection(ctx context.Context, tenantID string) error {
	collection := s.collectionName(tenantID)
	if err := s.doJSON(ctx, http.MethodDelete, "/collections/"+url.PathEscape(collection), nil, nil); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.ensured, collection)
	s.mu.Unlock()

	s.logger.Info("collection deleted", zap.String("collection", collection))
	return nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// UpsertChunks writes embedded chunks into their tenant's collection.
// Chunks without an embedding are skipped with a warning.
func (s *QdrantIndex) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tenantID := chunks[0].TenantID
	vectorSize := s.cfg.VectorSize

	points := make([]qdrantPoint, 0, len(chunks))
	for i, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk[%d] has empty id", i)
		}
		if chunk.TenantID != tenantID {
			return fmt.Errorf("chunk[%d] tenant mismatch: got=%s want=%s", i, chunk.TenantID, tenantID)
		}
		if len(chunk.Embedding) == 0 {
			s.logger.Warn("chunk has no embedding, skipping", zap.String("chunk_id", chunk.ID))
			continue
		}
		if vectorSize == 0 {
			vectorSize = len(chunk.Embedding)
		}
		if len(chunk.Embedding) != vectorSize {
			return fmt.Errorf("chunk[%d] embedding dimension mismatch: got=%d want=%d", i, len(chunk.Embedding), vectorSize)
		}

		payload := map[string]any{
			"document_id": chunk.DocumentID,
			"tenant_id":   chunk.TenantID,
			"content":     chunk.Content,
			"chunk_index": chunk.ChunkIndex,
			"start_char":  chunk.StartChar,
			"end_char":    chunk.EndChar,
			"metadata":    chunk.Metadata,
		}
		if !chunk.CreatedAt.IsZero() {
			payload["created_at"] = chunk.CreatedAt.Format(time.RFC3339)
		}

		points = append(points, qdrantPoint{
			ID:      qdrantPointID(chunk.ID),
			Vector:  chunk.Embedding,
			Payload: payload,
		})
	}

	if len(points) == 0 {
		s.logger.Warn("no valid points to upsert", zap.String("tenant_id", tenantID))
		return nil
	}

	if s.cfg.AutoCreateCollection {
		if err := s.EnsureCollection(ctx, tenantID, vectorSize); err != nil {
			return err
		}
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: points}

	path := fmt.Sprintf("/collections/%s/points", url.PathEscape(s.collectionName(tenantID)))
	if s.cfg.Wait == nil || *s.cfg.Wait {
		path += "?wait=true"
	}

	var resp any
	if err := s.doJSON(ctx, http.MethodPut, path, req, &resp); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(points)))
	return nil
}

// qdrantFilter builds a Qdrant must-match filter from payload equality
// conditions. Chunk metadata is matched under the metadata payload key.
func qdrantFilter(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filters))
	for key, value := range filters {
		must = append(must, map[string]any{
			"key":   "metadata." + key,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}

// Search returns up to limit hits above scoreThreshold from the tenant's
// collection. A missing collection yields an error from Qdrant that the
// caller surfaces as a retrieval failure.
func (s *QdrantIndex) Search(ctx context.Context, tenantID string, vector []float64, limit int, scoreThreshold float64, filters map[string]any) ([]RawHit, error) {
	if limit <= 0 {
		return []RawHit{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}

	req := struct {
		Vector         []float64      `json:"vector"`
		Limit          int            `json:"limit"`
		ScoreThreshold float64        `json:"score_threshold,omitempty"`
		Filter         map[string]any `json:"filter,omitempty"`
		WithPayload    bool           `json:"with_payload"`
		WithVector     bool           `json:"with_vector"`
	}{
		Vector:         vector,
		Limit:          limit,
		ScoreThreshold: scoreThreshold,
		Filter:         qdrantFilter(filters),
		WithPayload:    true,
		WithVector:     false,
	}

	type qdrantResult struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantResult `json:"result"`
		Status string         `json:"status"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.collectionName(tenantID)))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]RawHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hit := RawHit{
			ID:    fmt.Sprint(r.ID),
			Score: r.Score,
		}
		if r.Payload != nil {
			if v, ok := r.Payload["document_id"].(string); ok {
				hit.DocumentID = v
			}
			if v, ok := r.Payload["content"].(string); ok {
				hit.Content = v
			}
			// JSON numbers decode as float64.
			if v, ok := r.Payload["chunk_index"].(float64); ok {
				hit.ChunkIndex = int(v)
			}
			if m, ok := r.Payload["metadata"].(map[string]any); ok {
				hit.Metadata = m
			}
		}
		out = append(out, hit)
	}

	s.logger.Debug("qdrant search completed",
		zap.String("tenant_id", tenantID),
		zap.Int("hits", len(out)))
	return out, nil
}

// DeleteDocument removes all chunks of a document from the tenant's
// collection in one filtered delete.
func (s *QdrantIndex) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{
					"key":   "document_id",
					"match": map[string]any{"value": documentID},
				},
			},
		},
	}

	path := fmt.Sprintf("/collections/%s/points/delete", url.PathEscape(s.collectionName(tenantID)))
	if s.cfg.Wait == nil || *s.cfg.Wait {
		path += "?wait=true"
	}

	var resp any
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return err
	}

	s.logger.Info("document deleted",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID))
	return nil
}

// Stats reports the tenant collection's size and status.
func (s *QdrantIndex) Stats(ctx context.Context, tenantID string) (*CollectionStats, error) {
	collection := s.collectionName(tenantID)

	var resp struct {
		Result struct {
			Status       string `json:"status"`
			PointsCount  int    `json:"points_count"`
			VectorsCount int    `json:"vectors_count"`
		} `json:"result"`
	}

	if err := s.doJSON(ctx, http.MethodGet, "/collections/"+url.PathEscape(collection), nil, &resp); err != nil {
		return nil, err
	}

	return &CollectionStats{
		Collection:   collection,
		PointsCount:  resp.Result.PointsCount,
		VectorsCount: resp.Result.VectorsCount,
		Status:       resp.Result.Status,
	}, nil
}

// Close releases the underlying HTTP client's idle connections.
func (s *QdrantIndex) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
