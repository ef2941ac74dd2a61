package rag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/evaplatform/ragd/llm/embedding"
)

// RetrieverConfig bounds retrieval requests.
type RetrieverConfig struct {
	DefaultLimit          int     `json:"default_limit" yaml:"default_limit"`
	MaxLimit              int     `json:"max_limit" yaml:"max_limit"`
	DefaultScoreThreshold float64 `json:"default_score_threshold" yaml:"default_score_threshold"`
}

// DefaultRetrieverConfig returns the standard retrieval bounds.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		DefaultLimit:          10,
		MaxLimit:              100,
		DefaultScoreThreshold: 0.7,
	}
}

// Retriever embeds queries and searches the tenant's vector collection.
//
// The index's own threshold handling is not trusted: hits are re-filtered
// locally (inclusive, score >= threshold), stably sorted by descending
// score, and truncated to the limit only after filtering and sorting.
type Retriever struct {
	cfg      RetrieverConfig
	embedder embedding.Provider
	index    VectorIndex
	logger   *zap.Logger
}

// NewRetriever creates a Retriever over the given embedder and index.
func NewRetriever(cfg RetrieverConfig, embedder embedding.Provider, index VectorIndex, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve runs one search query for a tenant and returns ranked results.
func (r *Retriever) Retrieve(ctx context.Context, q SearchQuery) (*RetrievalResponse, error) {
	start := time.Now()

	if q.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if q.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	if limit > r.cfg.MaxLimit {
		limit = r.cfg.MaxLimit
	}

	vector, err := r.embedder.EmbedQuery(ctx, q.Query)
	if err != nil {
		return nil, newEmbeddingError(q.TenantID, err)
	}

	hits, err := r.index.Search(ctx, q.TenantID, vector, limit, q.ScoreThreshold, q.Filters)
	if err != nil {
		return nil, newRetrievalError(q.TenantID, err)
	}

	results := rankHits(hits, limit, q.ScoreThreshold)

	elapsed := elapsedMs(start)
	r.logger.Debug("retrieval completed",
		zap.String("tenant_id", q.TenantID),
		zap.Int("raw_hits", len(hits)),
		zap.Int("results", len(results)),
		zap.Float64("elapsed_ms", elapsed))

	return &RetrievalResponse{
		Query:            q.Query,
		TenantID:         q.TenantID,
		Results:          results,
		TotalResults:     len(results),
		ProcessingTimeMs: elapsed,
	}, nil
}

// rankHits normalizes raw hits, drops those below the threshold
// (inclusive), sorts by descending score keeping backend order for ties,
// and truncates to limit last.
func rankHits(hits []RawHit, limit int, scoreThreshold float64) []SearchResult {
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < scoreThreshold {
			continue
		}
		metadata := h.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		results = append(results, SearchResult{
			ID:         h.ID,
			Score:      h.Score,
			Content:    h.Content,
			DocumentID: h.DocumentID,
			ChunkIndex: h.ChunkIndex,
			Metadata:   metadata,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// elapsedMs reports wall time in milliseconds with a 0.1ms floor so
// sub-resolution timings never read as zero.
func elapsedMs(start time.Time) float64 {
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	if ms < 0.1 {
		return 0.1
	}
	return ms
}
