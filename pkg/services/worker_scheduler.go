package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/config"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/repositories"
)

// WorkerScheduler triggers queue worker runs on an interval, when the pending
// backlog reaches the warning threshold, and on demand. Runs it starts never
// overlap each other; ad-hoc runs made directly on the worker may.
type WorkerScheduler struct {
	worker  QueueWorker
	queue   repositories.EnrichmentQueueRepository
	cfg     config.WorkerConfig
	trigger chan int
	done    chan struct{}
	logger  *zap.Logger
}

// NewWorkerScheduler creates a scheduler. Call Start to begin.
func NewWorkerScheduler(worker QueueWorker, queue repositories.EnrichmentQueueRepository, cfg config.WorkerConfig, logger *zap.Logger) *WorkerScheduler {
	return &WorkerScheduler{
		worker:  worker,
		queue:   queue,
		cfg:     cfg,
		trigger: make(chan int, 1),
		done:    make(chan struct{}),
		logger:  logger.Named("worker-scheduler"),
	}
}

// Trigger requests a run of batchSize rows as soon as the scheduler is idle. A
// batchSize of zero uses the configured batch size. Returns false if a triggered
// run is already waiting; the waiting run keeps its own batch size.
func (s *WorkerScheduler) Trigger(batchSize int) bool {
	select {
	case s.trigger <- batchSize:
		return true
	default:
		return false
	}
}

// Start runs the scheduling loop in a background goroutine until ctx is
// cancelled. Cancellation is observed between runs; a run in progress stops
// claiming work and releases what it has not started.
func (s *WorkerScheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		s.logger.Info("Queue worker scheduler started",
			zap.Duration("interval", s.cfg.Interval),
			zap.Duration("backlog_check_interval", s.cfg.BacklogCheckInterval),
			zap.Int("backlog_threshold", s.cfg.BacklogWarnThreshold))

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		var backlog <-chan time.Time
		if s.cfg.BacklogCheckInterval > 0 && s.cfg.BacklogWarnThreshold > 0 {
			backlogTicker := time.NewTicker(s.cfg.BacklogCheckInterval)
			defer backlogTicker.Stop()
			backlog = backlogTicker.C
		}

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Queue worker scheduler stopped")
				return
			case <-ticker.C:
				s.run(ctx, "interval", s.cfg.BatchSize)
			case batchSize := <-s.trigger:
				if batchSize <= 0 {
					batchSize = s.cfg.BatchSize
				}
				s.run(ctx, "trigger", batchSize)
			case <-backlog:
				if s.backlogged(ctx) {
					s.run(ctx, "backlog", s.cfg.BatchSize)
				}
			}
		}
	}()
}

// Done is closed once the scheduling loop has exited.
func (s *WorkerScheduler) Done() <-chan struct{} {
	return s.done
}

func (s *WorkerScheduler) backlogged(ctx context.Context) bool {
	depth, err := s.queue.GetQueueDepth(ctx, models.EnrichmentStatusPending)
	if err != nil {
		s.logger.Warn("Failed to check enrichment backlog", zap.Error(err))
		return false
	}
	return depth >= s.cfg.BacklogWarnThreshold
}

func (s *WorkerScheduler) run(ctx context.Context, reason string, batchSize int) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Debug("Starting queue worker run",
		zap.String("reason", reason),
		zap.Int("batch_size", batchSize))
	if _, err := s.worker.Run(ctx, batchSize); err != nil {
		s.logger.Error("Queue worker run failed",
			zap.String("reason", reason),
			zap.Error(err))
	}
}
