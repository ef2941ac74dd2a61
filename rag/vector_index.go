package rag

import "context"

// RawHit is an unnormalized similarity hit from a vector index backend.
// Score and metadata may be missing; the Retriever normalizes them.
type RawHit struct {
	ID         string         `json:"id"`
	Score      float64        `json:"score"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	ChunkIndex int            `json:"chunk_index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// VectorIndex is the per-tenant nearest-neighbor store contract. Tenant
// isolation is achieved purely through collection namespacing; a single
// client is shared by all tenants and must tolerate concurrent callers.
//
// The limit and scoreThreshold passed to Search are best-effort upstream
// hints: the Retriever re-applies both locally to guard against backends
// that filter inconsistently.
type VectorIndex interface {
	// Search returns up to limit hits above scoreThreshold from the
	// tenant's collection.
	Search(ctx context.Context, tenantID string, vector []float64, limit int, scoreThreshold float64, filters map[string]any) ([]RawHit, error)

	// UpsertChunks writes embedded chunks into their tenant's collection.
	UpsertChunks(ctx context.Context, chunks []Chunk) error

	// DeleteDocument removes all chunks of a document, as a set.
	DeleteDocument(ctx context.Context, tenantID, documentID string) error

	// Stats reports the tenant collection's size and status.
	Stats(ctx context.Context, tenantID string) (*CollectionStats, error)

	// Close releases the underlying client.
	Close() error
}
