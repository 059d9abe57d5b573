package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/services"
)

// maxRunBatchSize caps batch_size on ad-hoc runs.
const maxRunBatchSize = 1000

// RunTrigger schedules a background worker run. A batchSize of zero means the
// configured default.
type RunTrigger interface {
	Trigger(batchSize int) bool
}

// QueueHandler exposes enrichment queue statistics and ad-hoc worker runs.
type QueueHandler struct {
	worker    services.QueueWorker
	scheduler RunTrigger
	logger    *zap.Logger
}

// NewQueueHandler creates a queue handler. scheduler may be nil, in which case
// asynchronous runs are rejected.
func NewQueueHandler(worker services.QueueWorker, scheduler RunTrigger, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		worker:    worker,
		scheduler: scheduler,
		logger:    logger,
	}
}

// RegisterRoutes registers the queue handler's routes on the given mux.
func (h *QueueHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/queue/stats", h.GetStats)
	mux.HandleFunc("POST /api/queue/run", h.Run)
}

type runAcceptedResponse struct {
	Queued bool `json:"queued"`
}

// GetStats handles GET /api/queue/stats
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.worker.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to get queue statistics")
		return
	}

	if err := WriteJSON(w, http.StatusOK, stats); err != nil {
		h.logger.Error("Failed to write queue stats response", zap.Error(err))
	}
}

// Run handles POST /api/queue/run?batch_size=N[&async=true]
// A synchronous run returns the run's statistics. An async run hands off to the
// scheduler and returns 202.
func (h *QueueHandler) Run(w http.ResponseWriter, r *http.Request) {
	batchSize := 0
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunBatchSize {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_batch_size",
				"batch_size must be an integer between 1 and "+strconv.Itoa(maxRunBatchSize))
			return
		}
		batchSize = n
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.scheduler == nil {
			_ = ErrorResponse(w, http.StatusConflict, "scheduler_disabled", "The queue worker scheduler is not running")
			return
		}
		queued := h.scheduler.Trigger(batchSize)
		if err := WriteJSON(w, http.StatusAccepted, runAcceptedResponse{Queued: queued}); err != nil {
			h.logger.Error("Failed to write run response", zap.Error(err))
		}
		return
	}

	stats, err := h.worker.Run(r.Context(), batchSize)
	if err != nil {
		h.logger.Error("Ad-hoc queue run failed", zap.Error(err))
		_ = ErrorResponse(w, http.StatusServiceUnavailable, "run_failed", "Queue run failed")
		return
	}

	if err := WriteJSON(w, http.StatusOK, stats); err != nil {
		h.logger.Error("Failed to write run response", zap.Error(err))
	}
}
