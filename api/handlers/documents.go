package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/evaplatform/ragd/rag"
)

// IngestRequest is the POST /v1/documents body: pre-embedded chunks for
// one tenant.
type IngestRequest struct {
	TenantID string      `json:"tenant_id"`
	Chunks   []rag.Chunk `json:"chunks"`
}

// DocumentHandler manages stored chunks for a tenant.
type DocumentHandler struct {
	index  rag.VectorIndex
	logger *zap.Logger
}

// NewDocumentHandler creates a DocumentHandler.
func NewDocumentHandler(index rag.VectorIndex, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		index:  index,
		logger: logger.With(zap.String("component", "document_handler")),
	}
}

// HandleIngest handles POST /v1/documents.
func (h *DocumentHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", h.logger)
		return
	}

	var req IngestRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.TenantID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant_id is required", h.logger)
		return
	}
	if len(req.Chunks) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "chunks are required", h.logger)
		return
	}
	for i := range req.Chunks {
		if req.Chunks[i].TenantID == "" {
			req.Chunks[i].TenantID = req.TenantID
		}
	}

	if err := h.index.UpsertChunks(r.Context(), req.Chunks); err != nil {
		h.logger.Error("chunk ingest failed",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
		WriteErrorMessage(w, http.StatusBadGateway, "INGEST_FAILED", "failed to store chunks", h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"tenant_id": req.TenantID,
		"ingested":  len(req.Chunks),
	})
}

// HandleDeleteDocument handles DELETE /v1/tenants/{id}/documents/{doc}.
func (h *DocumentHandler) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use DELETE", h.logger)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/tenants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "documents" || parts[0] == "" || parts[2] == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant id and document id are required", h.logger)
		return
	}
	tenantID, documentID := parts[0], parts[2]

	if err := h.index.DeleteDocument(r.Context(), tenantID, documentID); err != nil {
		h.logger.Error("document delete failed",
			zap.String("tenant_id", tenantID),
			zap.String("document_id", documentID),
			zap.Error(err))
		WriteErrorMessage(w, http.StatusBadGateway, "DELETE_FAILED", "failed to delete document", h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"tenant_id":   tenantID,
		"document_id": documentID,
		"deleted":     true,
	})
}
