package rag

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies pipeline failures for the HTTP layer. Only these
// codes ever propagate out of the orchestrator; cache, rate-counter, and
// ledger errors are absorbed with safe defaults.
type ErrorCode string

const (
	// ErrRateLimited means the tenant exceeded its request quota. The
	// caller can retry after the window elapses.
	ErrRateLimited ErrorCode = "RAG_RATE_LIMITED"

	// ErrEmbedding means the embedding stack exhausted retries and fallback.
	ErrEmbedding ErrorCode = "RAG_EMBEDDING_FAILED"

	// ErrRetrieval means the vector index is unreachable or erroring.
	ErrRetrieval ErrorCode = "RAG_RETRIEVAL_FAILED"

	// ErrGeneration means the LLM provider failed.
	ErrGeneration ErrorCode = "RAG_GENERATION_FAILED"
)

// Error is the typed failure surfaced by the query pipeline.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Err        error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func newRateLimitError(tenantID string) *Error {
	return &Error{
		Code:       ErrRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for tenant %s", tenantID),
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
		TenantID:   tenantID,
	}
}

func newEmbeddingError(tenantID string, err error) *Error {
	return &Error{
		Code:       ErrEmbedding,
		Message:    "query embedding failed",
		HTTPStatus: http.StatusBadGateway,
		TenantID:   tenantID,
		Err:        err,
	}
}

func newRetrievalError(tenantID string, err error) *Error {
	return &Error{
		Code:       ErrRetrieval,
		Message:    "vector search failed",
		HTTPStatus: http.StatusBadGateway,
		TenantID:   tenantID,
		Err:        err,
	}
}

func newGenerationError(tenantID string, err error) *Error {
	return &Error{
		Code:       ErrGeneration,
		Message:    "answer generation failed",
		HTTPStatus: http.StatusBadGateway,
		TenantID:   tenantID,
		Err:        err,
	}
}
