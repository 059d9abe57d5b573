package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/entity-resolver/pkg/config"
	"github.com/ekaya-inc/entity-resolver/pkg/logging"
	"github.com/ekaya-inc/entity-resolver/pkg/lookup"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/repositories"
)

// QueueWorker drains the enrichment queue.
type QueueWorker interface {
	// Run performs one drain pass: recovers stale claims, claims up to batchSize
	// requests (capped by the worker's lookup budget) and resolves them. Every
	// claimed request ends the run done, rescheduled, failed or released.
	// batchSize <= 0 uses the configured batch size.
	Run(ctx context.Context, batchSize int) (*models.ProcessingStats, error)

	// Stats reports queue and mapping counts for operators.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats is a point-in-time view of the queue and mapping cache.
type QueueStats struct {
	Requests map[models.EnrichmentStatus]int `json:"requests"`
	Mappings map[models.MappingSource]int    `json:"mappings"`
}

type queueWorker struct {
	queue    repositories.EnrichmentQueueRepository
	mappings repositories.MappingRepository
	client   EntityLookup
	cfg      config.WorkerConfig
	logger   *zap.Logger
}

// NewQueueWorker creates a QueueWorker. client may be nil, in which case only
// requests already resolvable from the mapping cache complete.
func NewQueueWorker(
	queue repositories.EnrichmentQueueRepository,
	mappings repositories.MappingRepository,
	client EntityLookup,
	cfg config.WorkerConfig,
	logger *zap.Logger,
) QueueWorker {
	return &queueWorker{
		queue:    queue,
		mappings: mappings,
		client:   client,
		cfg:      cfg,
		logger:   logger.Named("queue-worker"),
	}
}

var _ QueueWorker = (*queueWorker)(nil)

type requestOutcome int

const (
	outcomeResolved requestOutcome = iota
	outcomeFailed
	outcomeReleased
)

func (w *queueWorker) Run(ctx context.Context, batchSize int) (*models.ProcessingStats, error) {
	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	start := time.Now()

	// Writes that settle claimed rows must outlive the run ceiling.
	storeCtx := context.WithoutCancel(ctx)

	recovered, err := w.queue.ResetStaleProcessing(ctx, w.cfg.StaleThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale requests: %w", err)
	}
	if recovered > 0 {
		w.logger.Warn("Recovered abandoned enrichment requests", zap.Int64("count", recovered))
	}

	budget := NewBudget(w.cfg.LookupBudget)
	if checker, ok := w.client.(CredentialChecker); ok && budget.Remaining() > 0 {
		if err := checkCredential(ctx, checker, w.logger); err != nil {
			budget.Disable()
		}
	}

	claim := batchSize
	if budget.Remaining() < claim {
		claim = budget.Remaining()
	}

	stats := &models.ProcessingStats{}
	if claim > 0 && ctx.Err() == nil {
		requests, err := w.queue.Dequeue(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("failed to claim enrichment requests: %w", err)
		}
		w.processBatch(ctx, storeCtx, requests, budget, stats)
	}

	depth, err := w.queue.GetQueueDepth(storeCtx, models.EnrichmentStatusPending)
	if err != nil {
		return stats, fmt.Errorf("failed to read queue depth: %w", err)
	}
	stats.QueueDepthAfter = depth

	w.logRunSummary(storeCtx, stats, budget, time.Since(start))
	return stats, nil
}

// processBatch resolves claimed requests with bounded concurrency under the
// run's wall-clock ceiling.
func (w *queueWorker) processBatch(ctx, storeCtx context.Context, requests []*models.EnrichmentRequest, budget *Budget, stats *models.ProcessingStats) {
	runCtx := ctx
	if w.cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.MaxRunDuration)
		defer cancel()
	}

	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	record := func(o requestOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeResolved:
			stats.Processed++
			stats.Resolved++
		case outcomeFailed:
			stats.Processed++
			stats.Failed++
		case outcomeReleased:
			stats.Released++
		}
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, req := range requests {
		g.Go(func() error {
			record(w.processRequest(runCtx, storeCtx, req, budget))
			return nil
		})
	}
	_ = g.Wait()
}

func (w *queueWorker) processRequest(runCtx, storeCtx context.Context, req *models.EnrichmentRequest, budget *Budget) requestOutcome {
	if runCtx.Err() != nil {
		return w.release(storeCtx, req, "run ceiling reached before start")
	}

	// Another session may have resolved the name since it was queued.
	entry, err := w.mappings.Get(runCtx, req.NormalizedName, models.MatchTypeName)
	if err != nil {
		w.logger.Warn("Mapping cache read failed",
			zap.String("request_id", req.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}
	if entry != nil {
		return w.markDone(storeCtx, req, entry.CanonicalID)
	}

	if w.client == nil || !budget.TryConsume() {
		return w.release(storeCtx, req, "no lookup budget")
	}

	result, err := w.client.Lookup(runCtx, req.RawName)
	switch {
	case err == nil:
		storeExternalResult(storeCtx, w.mappings, req.NormalizedName, result.CanonicalID, w.logger)
		return w.markDone(storeCtx, req, result.CanonicalID)
	case errors.Is(err, lookup.ErrAuthFailed):
		if !budget.Disabled() {
			w.logger.Error("Lookup credential rejected; stopping lookups for this run",
				zap.String("error", logging.SanitizeError(err)))
		}
		budget.Disable()
		return w.release(storeCtx, req, "credential rejected")
	case errors.Is(err, lookup.ErrCircuitOpen):
		budget.Refund()
		return w.release(storeCtx, req, "lookup circuit open")
	case runCtx.Err() != nil:
		return w.release(storeCtx, req, "run ceiling reached during lookup")
	default:
		return w.markFailed(storeCtx, req, err)
	}
}

func (w *queueWorker) markDone(ctx context.Context, req *models.EnrichmentRequest, canonicalID string) requestOutcome {
	if err := w.queue.MarkDone(ctx, req.ID, canonicalID); err != nil {
		w.logger.Error("Failed to mark enrichment request done",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		return outcomeFailed
	}
	w.logger.Debug("Enrichment request resolved",
		zap.String("request_id", req.ID.String()),
		zap.String("temp_id", req.TempID),
		zap.String("canonical_id", canonicalID))
	return outcomeResolved
}

func (w *queueWorker) markFailed(ctx context.Context, req *models.EnrichmentRequest, cause error) requestOutcome {
	msg := logging.SanitizeError(cause)
	updated, err := w.queue.MarkFailed(ctx, req.ID, msg)
	if err != nil {
		w.logger.Error("Failed to record enrichment attempt",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		return outcomeFailed
	}

	if updated.Status == models.EnrichmentStatusFailed {
		w.logger.Warn("Enrichment request permanently failed",
			zap.String("request_id", req.ID.String()),
			zap.String("name", req.NormalizedName),
			zap.Int("attempts", updated.Attempts),
			zap.String("last_error", msg))
	} else {
		w.logger.Debug("Enrichment attempt failed; retry scheduled",
			zap.String("request_id", req.ID.String()),
			zap.Int("attempts", updated.Attempts),
			zap.Timep("next_retry_at", updated.NextRetryAt))
	}
	return outcomeFailed
}

func (w *queueWorker) release(ctx context.Context, req *models.EnrichmentRequest, reason string) requestOutcome {
	if err := w.queue.Release(ctx, req.ID); err != nil {
		// Stale recovery picks the row up on a later run.
		w.logger.Error("Failed to release enrichment request",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
	}
	w.logger.Debug("Enrichment request released",
		zap.String("request_id", req.ID.String()),
		zap.String("reason", reason))
	return outcomeReleased
}

func (w *queueWorker) logRunSummary(ctx context.Context, stats *models.ProcessingStats, budget *Budget, elapsed time.Duration) {
	fields := []zap.Field{
		zap.Int("processed", stats.Processed),
		zap.Int("resolved", stats.Resolved),
		zap.Int("failed", stats.Failed),
		zap.Int("released", stats.Released),
		zap.Int("lookups", budget.Spent()),
		zap.Int("queue_depth", stats.QueueDepthAfter),
		zap.Duration("elapsed", elapsed),
	}
	if counts, err := w.queue.CountByStatus(ctx); err == nil {
		for _, status := range models.ValidEnrichmentStatuses {
			fields = append(fields, zap.Int("total_"+string(status), counts[status]))
		}
	} else {
		w.logger.Warn("Failed to count enrichment requests", zap.Error(err))
	}
	w.logger.Info("Enrichment queue run complete", fields...)

	if w.cfg.BacklogWarnThreshold > 0 && stats.QueueDepthAfter > w.cfg.BacklogWarnThreshold {
		w.logger.Warn("Enrichment queue backlog above threshold",
			zap.Int("pending", stats.QueueDepthAfter),
			zap.Int("threshold", w.cfg.BacklogWarnThreshold))
	}
}

func (w *queueWorker) Stats(ctx context.Context) (*QueueStats, error) {
	requests, err := w.queue.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrichment requests: %w", err)
	}
	mappings, err := w.mappings.CountBySource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	return &QueueStats{Requests: requests, Mappings: mappings}, nil
}
