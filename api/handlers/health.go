package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/api"
	"github.com/deepresearch/orchestrator/llm"
	"github.com/deepresearch/orchestrator/search"
)

// HealthHandler answers liveness/readiness probes, including whether the
// LLM Gateway and Search Gateway currently have a reachable backend.
type HealthHandler struct {
	gateway       *llm.Gateway
	searchGateway *search.Gateway
	logger        *zap.Logger
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(gateway *llm.Gateway, searchGateway *search.Gateway, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{gateway: gateway, searchGateway: searchGateway, logger: logger}
}

// HandleHealthz is the liveness probe: the process is up, full stop.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "healthy"})
}

// HandleReady is the readiness probe: it reports ready when at least one
// LLM provider answers within 2 seconds. The search backend is probed with
// the same timeout and reported as search_available, but does not change
// the status.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	llmAvailable := h.gateway.HealthProbe(r.Context(), 2*time.Second)
	searchAvailable := h.searchGateway.HealthProbe(r.Context(), 2*time.Second)
	resp := api.HealthResponse{Status: "healthy", LLMAvailable: llmAvailable, SearchAvailable: searchAvailable}
	if !llmAvailable {
		resp.Status = "degraded"
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
