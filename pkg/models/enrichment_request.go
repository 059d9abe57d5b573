package models

import (
	"time"

	"github.com/google/uuid"
)

// EnrichmentStatus is the state of a queued enrichment request.
// State machine:
//
//	pending → processing → done
//	              ↓    ↘
//	   pending (backoff)  failed (after MaxEnrichmentAttempts)
//
//	processing → pending also via stale recovery or release.
//	done and failed are terminal.
type EnrichmentStatus string

const (
	EnrichmentStatusPending    EnrichmentStatus = "pending"
	EnrichmentStatusProcessing EnrichmentStatus = "processing"
	EnrichmentStatusDone       EnrichmentStatus = "done"
	EnrichmentStatusFailed     EnrichmentStatus = "failed"
)

// ValidEnrichmentStatuses contains all valid status values.
var ValidEnrichmentStatuses = []EnrichmentStatus{
	EnrichmentStatusPending,
	EnrichmentStatusProcessing,
	EnrichmentStatusDone,
	EnrichmentStatusFailed,
}

// IsTerminal returns true for statuses that are never left again.
func (s EnrichmentStatus) IsTerminal() bool {
	return s == EnrichmentStatusDone || s == EnrichmentStatusFailed
}

// MaxEnrichmentAttempts is the number of failed attempts after which a request
// is marked permanently failed.
const MaxEnrichmentAttempts = 3

// EnrichmentBackoff is the retry delay schedule, indexed by min(attempts-1, 2).
var EnrichmentBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// BackoffFor returns the retry delay after the given number of failed attempts.
// Attempts beyond the schedule clamp to its last value.
func BackoffFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(EnrichmentBackoff)-1 {
		idx = len(EnrichmentBackoff) - 1
	}
	return EnrichmentBackoff[idx]
}

// EnrichmentRequest is a queued name awaiting asynchronous resolution.
type EnrichmentRequest struct {
	ID                  uuid.UUID        `json:"id"`
	RawName             string           `json:"raw_name"`
	NormalizedName      string           `json:"normalized_name"`
	TempID              string           `json:"temp_id"`
	Status              EnrichmentStatus `json:"status"`
	Attempts            int              `json:"attempts"`
	LastError           *string          `json:"last_error,omitempty"`
	ResolvedCanonicalID *string          `json:"resolved_canonical_id,omitempty"`
	NextRetryAt         *time.Time       `json:"next_retry_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ProcessingStats summarizes one queue worker run.
type ProcessingStats struct {
	Processed       int `json:"processed"`
	Resolved        int `json:"resolved"`
	Failed          int `json:"failed"`
	Released        int `json:"released"`
	QueueDepthAfter int `json:"queue_depth_after"`
}
