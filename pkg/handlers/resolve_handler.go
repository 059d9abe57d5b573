package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/services"
)

// maxResolveRows caps the rows accepted in one resolve request.
const maxResolveRows = 1000

// ResolveHandler resolves batches of rows. Each request is one resolution
// session with its own lookup budget.
type ResolveHandler struct {
	engine        services.ResolutionEngine
	sessionBudget int
	logger        *zap.Logger
}

// NewResolveHandler creates a resolve handler.
func NewResolveHandler(engine services.ResolutionEngine, sessionBudget int, logger *zap.Logger) *ResolveHandler {
	return &ResolveHandler{
		engine:        engine,
		sessionBudget: sessionBudget,
		logger:        logger,
	}
}

// RegisterRoutes registers the resolve handler's routes on the given mux.
func (h *ResolveHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/resolve", h.Resolve)
}

type resolveRequest struct {
	Rows []models.Identifiers `json:"rows"`
}

type resolveResponse struct {
	Results      []*models.ResolutionResult `json:"results"`
	LookupsSpent int                        `json:"lookups_spent"`
	Deferred     int                        `json:"deferred"`
}

// Resolve handles POST /api/resolve
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON with a rows array")
		return
	}
	if len(req.Rows) == 0 || len(req.Rows) > maxResolveRows {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request",
			"rows must contain between 1 and "+strconv.Itoa(maxResolveRows)+" entries")
		return
	}

	budget := services.NewBudget(h.sessionBudget)
	h.engine.PrepareSession(r.Context(), budget)

	resp := resolveResponse{Results: make([]*models.ResolutionResult, 0, len(req.Rows))}
	for i, row := range req.Rows {
		result, err := h.engine.Resolve(r.Context(), row, budget)
		if err != nil {
			h.logger.Error("Resolution failed",
				zap.Int("row", i),
				zap.Error(err))
			_ = ErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable", "Resolution store is unavailable")
			return
		}
		if result.IsTemporary {
			resp.Deferred++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.LookupsSpent = budget.Spent()

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write resolve response", zap.Error(err))
	}
}
