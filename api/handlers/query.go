package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/evaplatform/ragd/rag"
)

// QueryRequest is the POST /v1/query body. ScoreThreshold and UseCache
// are pointers so that explicit zero values survive decoding.
type QueryRequest struct {
	TenantID       string         `json:"tenant_id"`
	Query          string         `json:"query"`
	TopK           int            `json:"top_k,omitempty"`
	ScoreThreshold *float64       `json:"score_threshold,omitempty"`
	UseCache       *bool          `json:"use_cache,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
}

// QueryHandler serves the query pipeline over HTTP.
type QueryHandler struct {
	service *rag.Service
	logger  *zap.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(service *rag.Service, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		service: service,
		logger:  logger.With(zap.String("component", "query_handler")),
	}
}

// HandleQuery handles POST /v1/query. Metering results are mirrored into
// the X-Request-Cost, X-Tokens-Total, and X-Tenant-Balance headers so
// gateways can bill without parsing bodies.
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", h.logger)
		return
	}

	var req QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.TenantID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant_id is required", h.logger)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "query is required", h.logger)
		return
	}

	opts := rag.QueryOptions{
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Filters:        req.Filters,
	}
	if req.UseCache != nil && !*req.UseCache {
		opts.DisableCache = true
	}

	result, err := h.service.Query(r.Context(), req.TenantID, req.Query, opts)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("X-Request-Cost", fmt.Sprintf("%.6f", result.Cost))
	w.Header().Set("X-Tokens-Total", fmt.Sprintf("%d", result.TokensUsed.Total))
	w.Header().Set("X-Tenant-Balance", fmt.Sprintf("%.2f", result.TenantBalance))

	WriteSuccess(w, result)
}

// HandleTenantStats handles GET /v1/tenants/{id}/stats.
func (h *QueryHandler) HandleTenantStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET", h.logger)
		return
	}

	tenantID := tenantIDFromPath(r.URL.Path, "/v1/tenants/", "/stats")
	if tenantID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant id is required", h.logger)
		return
	}

	WriteSuccess(w, h.service.TenantStats(r.Context(), tenantID))
}

// tenantIDFromPath extracts {id} from prefix{id}suffix paths.
func tenantIDFromPath(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
