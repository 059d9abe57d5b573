package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/entity-resolver/pkg/apperrors"
	"github.com/ekaya-inc/entity-resolver/pkg/database"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
)

// EnrichmentQueueRepository provides the durable queue of names awaiting
// asynchronous resolution. It owns status transitions, backoff scheduling and
// recovery of abandoned claims.
type EnrichmentQueueRepository interface {
	// Enqueue records a name for asynchronous resolution and returns its request id.
	// It is idempotent: if a request for the normalized name already exists, that
	// request's id is returned and no row is created.
	Enqueue(ctx context.Context, rawName, normalizedName, tempID string) (uuid.UUID, error)

	// Dequeue atomically claims up to batchSize eligible pending requests, oldest
	// first, and moves them to processing. Concurrent callers never claim the same row.
	Dequeue(ctx context.Context, batchSize int) ([]*models.EnrichmentRequest, error)

	// MarkDone records a successful resolution.
	MarkDone(ctx context.Context, id uuid.UUID, canonicalID string) error

	// MarkFailed records a failed attempt and schedules a retry with backoff, or
	// marks the request permanently failed once MaxEnrichmentAttempts is reached.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (*models.EnrichmentRequest, error)

	// Release returns a claimed request to pending without counting an attempt.
	Release(ctx context.Context, id uuid.UUID) error

	// ResetStaleProcessing returns processing requests not updated within threshold
	// to pending, keeping their attempt count. Returns the number of rows recovered.
	ResetStaleProcessing(ctx context.Context, threshold time.Duration) (int64, error)

	// GetQueueDepth returns the number of requests in the given status.
	GetQueueDepth(ctx context.Context, status models.EnrichmentStatus) (int, error)

	// CountByStatus returns request counts for every status.
	CountByStatus(ctx context.Context) (map[models.EnrichmentStatus]int, error)

	// GetByID returns a request, or nil if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.EnrichmentRequest, error)

	// GetByNormalizedName returns the most recent request for a name, or nil.
	GetByNormalizedName(ctx context.Context, normalizedName string) (*models.EnrichmentRequest, error)
}

type enrichmentQueueRepository struct {
	db  database.Querier
	now func() time.Time
}

// NewEnrichmentQueueRepository creates a new EnrichmentQueueRepository backed by Postgres.
func NewEnrichmentQueueRepository(db database.Querier) EnrichmentQueueRepository {
	return &enrichmentQueueRepository{db: db, now: time.Now}
}

var _ EnrichmentQueueRepository = (*enrichmentQueueRepository)(nil)

const enrichmentRequestColumns = `
	id, raw_name, normalized_name, temp_id, status, attempts, last_error,
	resolved_canonical_id, next_retry_at, created_at, updated_at`

// ============================================================================
// Enqueue
// ============================================================================

func (r *enrichmentQueueRepository) Enqueue(ctx context.Context, rawName, normalizedName, tempID string) (uuid.UUID, error) {
	if normalizedName == "" {
		return uuid.Nil, fmt.Errorf("cannot enqueue empty normalized name")
	}

	existing, err := r.GetByNormalizedName(ctx, normalizedName)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	now := r.now()
	id := uuid.New()

	query := `
		INSERT INTO enrichment_requests (
			id, raw_name, normalized_name, temp_id, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (normalized_name) WHERE status IN ('pending', 'processing') DO NOTHING
		RETURNING id`

	var inserted uuid.UUID
	err = r.db.QueryRow(ctx, query, id, rawName, normalizedName, tempID, models.EnrichmentStatusPending, now).Scan(&inserted)
	if err == nil {
		return inserted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("failed to enqueue enrichment request: %w", err)
	}

	// A concurrent enqueue for the same name won the race.
	active, err := r.getActiveByNormalizedName(ctx, normalizedName)
	if err != nil {
		return uuid.Nil, err
	}
	if active == nil {
		return uuid.Nil, fmt.Errorf("enqueue conflict for %q but no active request found: %w", normalizedName, apperrors.ErrConflict)
	}
	return active.ID, nil
}

// ============================================================================
// Claim and Transitions
// ============================================================================

func (r *enrichmentQueueRepository) Dequeue(ctx context.Context, batchSize int) ([]*models.EnrichmentRequest, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	query := `
		WITH claimable AS (
			SELECT id
			FROM enrichment_requests
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE enrichment_requests r
		SET status = 'processing', updated_at = $2
		FROM claimable
		WHERE r.id = claimable.id
		RETURNING ` + prefixColumns("r.")

	rows, err := r.db.Query(ctx, query, batchSize, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue enrichment requests: %w", err)
	}
	defer rows.Close()

	requests, err := scanEnrichmentRequestRows(rows)
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE ordering.
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, nil
}

func (r *enrichmentQueueRepository) MarkDone(ctx context.Context, id uuid.UUID, canonicalID string) error {
	query := `
		UPDATE enrichment_requests
		SET status = 'done',
		    resolved_canonical_id = $2,
		    next_retry_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')`

	tag, err := r.db.Exec(ctx, query, id, canonicalID, r.now())
	if err != nil {
		return fmt.Errorf("failed to mark enrichment request done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionMissError(ctx, id)
	}
	return nil
}

func (r *enrichmentQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (*models.EnrichmentRequest, error) {
	var updated *models.EnrichmentRequest

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var attempts int
		var status models.EnrichmentStatus
		err := tx.QueryRow(ctx,
			`SELECT attempts, status FROM enrichment_requests WHERE id = $1 FOR UPDATE`, id,
		).Scan(&attempts, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("enrichment request %s: %w", id, apperrors.ErrNotFound)
			}
			return fmt.Errorf("failed to lock enrichment request: %w", err)
		}
		if status.IsTerminal() {
			return fmt.Errorf("enrichment request %s is %s: %w", id, status, apperrors.ErrConflict)
		}

		now := r.now()
		attempts++

		nextStatus := models.EnrichmentStatusPending
		var nextRetryAt *time.Time
		if attempts >= models.MaxEnrichmentAttempts {
			nextStatus = models.EnrichmentStatusFailed
		} else {
			retryAt := now.Add(models.BackoffFor(attempts))
			nextRetryAt = &retryAt
		}

		query := `
			UPDATE enrichment_requests
			SET attempts = $2,
			    status = $3,
			    last_error = $4,
			    next_retry_at = $5,
			    updated_at = $6
			WHERE id = $1
			RETURNING ` + enrichmentRequestColumns

		updated, err = scanEnrichmentRequest(tx.QueryRow(ctx, query, id, attempts, nextStatus, errMsg, nextRetryAt, now))
		if err != nil {
			return fmt.Errorf("failed to mark enrichment request failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *enrichmentQueueRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE enrichment_requests
		SET status = 'pending', next_retry_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, r.now())
	if err != nil {
		return fmt.Errorf("failed to release enrichment request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionMissError(ctx, id)
	}
	return nil
}

func (r *enrichmentQueueRepository) ResetStaleProcessing(ctx context.Context, threshold time.Duration) (int64, error) {
	now := r.now()
	query := `
		UPDATE enrichment_requests
		SET status = 'pending', next_retry_at = NULL, updated_at = $1
		WHERE status = 'processing' AND updated_at < $2`

	tag, err := r.db.Exec(ctx, query, now, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale enrichment requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// transitionMissError explains why a guarded UPDATE touched no rows.
func (r *enrichmentQueueRepository) transitionMissError(ctx context.Context, id uuid.UUID) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("enrichment request %s: %w", id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("enrichment request %s is %s: %w", id, current.Status, apperrors.ErrConflict)
}

// ============================================================================
// Read Operations
// ============================================================================

func (r *enrichmentQueueRepository) GetQueueDepth(ctx context.Context, status models.EnrichmentStatus) (int, error) {
	var depth int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM enrichment_requests WHERE status = $1`, status).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count enrichment requests: %w", err)
	}
	return depth, nil
}

func (r *enrichmentQueueRepository) CountByStatus(ctx context.Context) (map[models.EnrichmentStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM enrichment_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrichment requests by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EnrichmentStatus]int, len(models.ValidEnrichmentStatuses))
	for _, s := range models.ValidEnrichmentStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status models.EnrichmentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment request count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrichment request counts: %w", err)
	}
	return counts, nil
}

func (r *enrichmentQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EnrichmentRequest, error) {
	query := `SELECT ` + enrichmentRequestColumns + ` FROM enrichment_requests WHERE id = $1`

	req, err := scanEnrichmentRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get enrichment request: %w", err)
	}
	return req, nil
}

func (r *enrichmentQueueRepository) GetByNormalizedName(ctx context.Context, normalizedName string) (*models.EnrichmentRequest, error) {
	query := `
		SELECT ` + enrichmentRequestColumns + `
		FROM enrichment_requests
		WHERE normalized_name = $1
		ORDER BY created_at DESC
		LIMIT 1`

	req, err := scanEnrichmentRequest(r.db.QueryRow(ctx, query, normalizedName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get enrichment request by name: %w", err)
	}
	return req, nil
}

func (r *enrichmentQueueRepository) getActiveByNormalizedName(ctx context.Context, normalizedName string) (*models.EnrichmentRequest, error) {
	query := `
		SELECT ` + enrichmentRequestColumns + `
		FROM enrichment_requests
		WHERE normalized_name = $1 AND status IN ('pending', 'processing')`

	req, err := scanEnrichmentRequest(r.db.QueryRow(ctx, query, normalizedName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active enrichment request: %w", err)
	}
	return req, nil
}

// ============================================================================
// Helpers
// ============================================================================

func prefixColumns(prefix string) string {
	return prefix + "id, " + prefix + "raw_name, " + prefix + "normalized_name, " + prefix + "temp_id, " +
		prefix + "status, " + prefix + "attempts, " + prefix + "last_error, " +
		prefix + "resolved_canonical_id, " + prefix + "next_retry_at, " +
		prefix + "created_at, " + prefix + "updated_at"
}

func scanEnrichmentRequest(row pgx.Row) (*models.EnrichmentRequest, error) {
	var req models.EnrichmentRequest
	err := row.Scan(
		&req.ID, &req.RawName, &req.NormalizedName, &req.TempID,
		&req.Status, &req.Attempts, &req.LastError,
		&req.ResolvedCanonicalID, &req.NextRetryAt,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func scanEnrichmentRequestRows(rows pgx.Rows) ([]*models.EnrichmentRequest, error) {
	var result []*models.EnrichmentRequest
	for rows.Next() {
		req, err := scanEnrichmentRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrichment request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrichment requests: %w", err)
	}
	return result, nil
}
