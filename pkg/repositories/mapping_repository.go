package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/entity-resolver/pkg/apperrors"
	"github.com/ekaya-inc/entity-resolver/pkg/database"
	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
)

// MappingRepository provides data access for the mapping cache.
type MappingRepository interface {
	// Get returns the lowest-priority entry for the key, or nil if none exists.
	// Rows holding a placeholder canonical id are treated as absent.
	Get(ctx context.Context, lookupKey string, matchType models.MatchType) (*models.MappingEntry, error)

	// Put upserts an entry keyed on (lookup_key, match_type). The last write wins
	// unless the existing row has a strictly higher precedence (lower priority number),
	// in which case the row is kept and apperrors.ErrSuperseded is returned.
	// Invalid entries are rejected with apperrors.ErrInvalidCanonicalID or
	// apperrors.ErrInvalidMatchType.
	Put(ctx context.Context, entry *models.MappingEntry) error

	// ReplaceOverrides makes the override rows equal to entries in one
	// transaction. Override rows whose key is no longer present are deleted and
	// returned. Entries replace any existing row at their key.
	ReplaceOverrides(ctx context.Context, entries []*models.MappingEntry) ([]*models.MappingEntry, error)

	// CountBySource returns the number of entries per source.
	CountBySource(ctx context.Context) (map[models.MappingSource]int, error)
}

type mappingRepository struct {
	db  database.Querier
	now func() time.Time
}

// NewMappingRepository creates a new MappingRepository backed by Postgres.
func NewMappingRepository(db database.Querier) MappingRepository {
	return &mappingRepository{db: db, now: time.Now}
}

var _ MappingRepository = (*mappingRepository)(nil)

const upsertMappingQuery = `
	INSERT INTO identity_mappings (
		lookup_key, match_type, canonical_id, priority, source, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $6)
	ON CONFLICT (lookup_key, match_type) DO UPDATE SET
		canonical_id = EXCLUDED.canonical_id,
		priority     = EXCLUDED.priority,
		source       = EXCLUDED.source,
		updated_at   = EXCLUDED.updated_at
	WHERE identity_mappings.priority >= EXCLUDED.priority`

const deleteOverridesQuery = `
	DELETE FROM identity_mappings
	WHERE source = 'override'
	RETURNING lookup_key, match_type, canonical_id, priority, source, created_at, updated_at`

const insertOverrideQuery = `
	INSERT INTO identity_mappings (
		lookup_key, match_type, canonical_id, priority, source, created_at, updated_at
	) VALUES ($1, $2, $3, $4, 'override', $5, $6)
	ON CONFLICT (lookup_key, match_type) DO UPDATE SET
		canonical_id = EXCLUDED.canonical_id,
		priority     = EXCLUDED.priority,
		source       = EXCLUDED.source,
		updated_at   = EXCLUDED.updated_at`

func (r *mappingRepository) Get(ctx context.Context, lookupKey string, matchType models.MatchType) (*models.MappingEntry, error) {
	if lookupKey == "" {
		return nil, nil
	}

	query := `
		SELECT lookup_key, match_type, canonical_id, priority, source, created_at, updated_at
		FROM identity_mappings
		WHERE lookup_key = $1 AND match_type = $2
		ORDER BY priority ASC
		LIMIT 1`

	entry, err := scanMappingEntry(r.db.QueryRow(ctx, query, lookupKey, matchType))
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	if entry == nil || !identity.IsStorableCanonicalID(entry.CanonicalID) {
		return nil, nil
	}
	return entry, nil
}

func (r *mappingRepository) Put(ctx context.Context, entry *models.MappingEntry) error {
	if err := prepareMappingEntry(entry, r.now()); err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, upsertMappingQuery,
		entry.LookupKey, entry.MatchType, entry.CanonicalID, entry.Priority, entry.Source, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mapping %s/%q: %w", entry.MatchType, entry.LookupKey, apperrors.ErrSuperseded)
	}
	return nil
}

func (r *mappingRepository) ReplaceOverrides(ctx context.Context, entries []*models.MappingEntry) ([]*models.MappingEntry, error) {
	now := r.now()
	keep := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry == nil {
			return nil, fmt.Errorf("nil override entry")
		}
		entry.Source = models.MappingSourceOverride
		if err := prepareMappingEntry(entry, now); err != nil {
			return nil, fmt.Errorf("override %s/%q: %w", entry.MatchType, entry.LookupKey, err)
		}
		keep[overrideKey(entry.LookupKey, entry.MatchType)] = struct{}{}
	}

	var removed []*models.MappingEntry
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, deleteOverridesQuery)
		if err != nil {
			return fmt.Errorf("failed to clear overrides: %w", err)
		}
		previous, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.MappingEntry, error) {
			return scanMappingEntry(row)
		})
		if err != nil {
			return fmt.Errorf("failed to scan cleared overrides: %w", err)
		}

		createdAt := make(map[string]time.Time, len(previous))
		removed = removed[:0]
		for _, old := range previous {
			k := overrideKey(old.LookupKey, old.MatchType)
			if _, ok := keep[k]; ok {
				createdAt[k] = old.CreatedAt
				continue
			}
			removed = append(removed, old)
		}

		batch := &pgx.Batch{}
		for _, entry := range entries {
			if t, ok := createdAt[overrideKey(entry.LookupKey, entry.MatchType)]; ok {
				entry.CreatedAt = t
			}
			batch.Queue(insertOverrideQuery,
				entry.LookupKey, entry.MatchType, entry.CanonicalID, entry.Priority, entry.CreatedAt, entry.UpdatedAt,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range entries {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to write overrides: %w", err)
			}
		}
		return results.Close()
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func overrideKey(lookupKey string, matchType models.MatchType) string {
	return string(matchType) + "\x00" + lookupKey
}

func (r *mappingRepository) CountBySource(ctx context.Context) (map[models.MappingSource]int, error) {
	rows, err := r.db.Query(ctx, `SELECT source, COUNT(*) FROM identity_mappings GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.MappingSource]int)
	for rows.Next() {
		var source models.MappingSource
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan mapping count: %w", err)
		}
		counts[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping counts: %w", err)
	}
	return counts, nil
}

// prepareMappingEntry validates an entry and fills defaults before a write.
func prepareMappingEntry(entry *models.MappingEntry, now time.Time) error {
	if entry == nil {
		return fmt.Errorf("nil mapping entry")
	}
	if !entry.MatchType.IsValid() {
		return fmt.Errorf("match type %q: %w", entry.MatchType, apperrors.ErrInvalidMatchType)
	}
	if entry.LookupKey == "" {
		return fmt.Errorf("empty lookup key")
	}

	entry.CanonicalID = strings.TrimSpace(entry.CanonicalID)
	if !identity.IsStorableCanonicalID(entry.CanonicalID) {
		return fmt.Errorf("canonical id %q: %w", entry.CanonicalID, apperrors.ErrInvalidCanonicalID)
	}

	if entry.Source == "" {
		entry.Source = models.MappingSourceCache
	}
	if entry.Priority == 0 {
		entry.Priority = entry.Source.DefaultPriority()
	}
	if entry.Priority < models.PriorityHighest || entry.Priority > models.PriorityLowest {
		return fmt.Errorf("priority %d out of range 1-5", entry.Priority)
	}
	if entry.Source != models.MappingSourceOverride && entry.Priority <= models.PriorityOverrideMax {
		// Band 1-2 belongs to overrides.
		entry.Priority = entry.Source.DefaultPriority()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	return nil
}

func scanMappingEntry(row pgx.Row) (*models.MappingEntry, error) {
	var e models.MappingEntry
	err := row.Scan(&e.LookupKey, &e.MatchType, &e.CanonicalID, &e.Priority, &e.Source, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
