// Package rag implements the multi-tenant retrieval-augmented-generation
// query pipeline: retrieval over a per-tenant vector index, answer
// generation with citation extraction, and cost metering against a tenant
// balance ledger.
package rag

import "time"

// Chunk is a bounded slice of a source document with its embedding vector.
// Chunks are produced by ingestion and are immutable once stored; a
// document's chunks are deleted together via DeleteDocument.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	TenantID   string         `json:"tenant_id"`
	Content    string         `json:"content"`
	ChunkIndex int            `json:"chunk_index"`
	StartChar  int            `json:"start_char"`
	EndChar    int            `json:"end_char"`
	Embedding  []float64      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// SearchQuery is a per-request retrieval query.
type SearchQuery struct {
	Query          string         `json:"query"`
	TenantID       string         `json:"tenant_id"`
	Limit          int            `json:"limit"`           // 1..100
	ScoreThreshold float64        `json:"score_threshold"` // 0.0..1.0
	Filters        map[string]any `json:"filters,omitempty"`
}

// SearchResult is a single retrieved chunk, ordered by descending score.
type SearchResult struct {
	ID          string         `json:"id"`
	Score       float64        `json:"score"`
	Content     string         `json:"content"`
	DocumentID  string         `json:"document_id"`
	ChunkIndex  int            `json:"chunk_index"`
	Metadata    map[string]any `json:"metadata"`
	RerankScore float64        `json:"rerank_score,omitempty"`
}

// RetrievalResponse is the Retriever's output.
type RetrievalResponse struct {
	Query            string         `json:"query"`
	TenantID         string         `json:"tenant_id"`
	Results          []SearchResult `json:"results"`
	TotalResults     int            `json:"total_results"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	Cached           bool           `json:"cached"`
}

// Citation maps an in-text [Doc N] marker back to its source chunk.
type Citation struct {
	DocumentID     string  `json:"document_id"`
	ChunkID        string  `json:"chunk_id"`
	Content        string  `json:"content"` // truncated to 500 chars
	Title          string  `json:"title,omitempty"`
	Author         string  `json:"author,omitempty"`
	SourceURL      string  `json:"source_url,omitempty"`
	PageNumber     int     `json:"page_number,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
}

// TokensUsed is the token accounting for one generation. Total is
// authoritative when the provider reports it; otherwise it is the sum of
// input and output tokens.
type TokensUsed struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Total        int `json:"total"`
}

// GenerateRequest carries the query and ordered context to the generator.
// Context order defines citation indices: Doc 1 is Context[0].
type GenerateRequest struct {
	Query        string   `json:"query"`
	TenantID     string   `json:"tenant_id"`
	Context      []string `json:"context"`
	Model        string   `json:"model,omitempty"`
	Temperature  float32  `json:"temperature"` // 0..2
	MaxTokens    int      `json:"max_tokens"`  // 1..4000
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// GenerateResult is the generator's output.
type GenerateResult struct {
	Query            string     `json:"query"`
	Answer           string     `json:"answer"`
	Citations        []Citation `json:"citations"`
	Model            string     `json:"model"`
	TokensUsed       TokensUsed `json:"tokens_used"`
	Cost             float64    `json:"cost"`
	ProcessingTimeMs float64    `json:"processing_time_ms"`
}

// QueryResult is the orchestrator's end-to-end response.
type QueryResult struct {
	Query            string     `json:"query"`
	Answer           string     `json:"answer"`
	Citations        []Citation `json:"citations"`
	RetrievalResults int        `json:"retrieval_results"`
	Model            string     `json:"model,omitempty"`
	TokensUsed       TokensUsed `json:"tokens_used"`
	Cost             float64    `json:"cost"`
	TenantBalance    float64    `json:"tenant_balance"`
	Cached           bool       `json:"cached"`
	ProcessingTimeMs float64    `json:"processing_time_ms"`
	RetrievalTimeMs  float64    `json:"retrieval_time_ms,omitempty"`
	LLMTimeMs        float64    `json:"llm_time_ms,omitempty"`
}

// CollectionStats describes a tenant's vector collection.
type CollectionStats struct {
	Collection   string `json:"collection"`
	PointsCount  int    `json:"points_count"`
	VectorsCount int    `json:"vectors_count"`
	Status       string `json:"status,omitempty"`
}

// TenantStats is the per-tenant summary exposed alongside query results.
type TenantStats struct {
	TenantID   string           `json:"tenant_id"`
	Balance    float64          `json:"balance"`
	Collection *CollectionStats `json:"collection_stats,omitempty"`
}
