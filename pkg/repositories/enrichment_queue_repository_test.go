//go:build integration

package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/entity-resolver/pkg/apperrors"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/testhelpers"
)

// enrichmentQueueTestContext holds test dependencies for queue repository tests.
type enrichmentQueueTestContext struct {
	t      *testing.T
	testDB *testhelpers.TestDB
	repo   EnrichmentQueueRepository
}

func setupEnrichmentQueueTest(t *testing.T) *enrichmentQueueTestContext {
	testDB := testhelpers.GetTestDB(t)
	testDB.Truncate(t)
	return &enrichmentQueueTestContext{
		t:      t,
		testDB: testDB,
		repo:   NewEnrichmentQueueRepository(testDB.DB.Pool),
	}
}

// enqueue creates a pending request and fails the test on error.
func (tc *enrichmentQueueTestContext) enqueue(name string) uuid.UUID {
	tc.t.Helper()
	id, err := tc.repo.Enqueue(context.Background(), name, name, "IN"+"AAAAAAAAAAAAAA")
	require.NoError(tc.t, err)
	return id
}

// get reloads a request and fails the test if it is missing.
func (tc *enrichmentQueueTestContext) get(id uuid.UUID) *models.EnrichmentRequest {
	tc.t.Helper()
	req, err := tc.repo.GetByID(context.Background(), id)
	require.NoError(tc.t, err)
	require.NotNil(tc.t, req)
	return req
}

// exec runs raw SQL to arrange row state that the API does not expose.
func (tc *enrichmentQueueTestContext) exec(query string, args ...any) {
	tc.t.Helper()
	_, err := tc.testDB.DB.Pool.Exec(context.Background(), query, args...)
	require.NoError(tc.t, err)
}

// ============================================================================
// Enqueue Tests
// ============================================================================

func TestEnrichmentQueue_Enqueue_CreatesPendingRequest(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	id, err := tc.repo.Enqueue(ctx, "ACME Holdings", "ACME HOLDINGS", "INABCDEFGHIJKLMN")
	require.NoError(t, err)

	req := tc.get(id)
	assert.Equal(t, "ACME Holdings", req.RawName)
	assert.Equal(t, "ACME HOLDINGS", req.NormalizedName)
	assert.Equal(t, "INABCDEFGHIJKLMN", req.TempID)
	assert.Equal(t, models.EnrichmentStatusPending, req.Status)
	assert.Equal(t, 0, req.Attempts)
	assert.Nil(t, req.NextRetryAt)
	assert.Nil(t, req.ResolvedCanonicalID)
}

func TestEnrichmentQueue_Enqueue_Idempotent(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	first := tc.enqueue("ACME HOLDINGS")
	second, err := tc.repo.Enqueue(ctx, "Acme Holdings", "ACME HOLDINGS", "INABCDEFGHIJKLMN")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Still idempotent while the request is being processed.
	claimed, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	third, err := tc.repo.Enqueue(ctx, "ACME HOLDINGS", "ACME HOLDINGS", "INABCDEFGHIJKLMN")
	require.NoError(t, err)
	assert.Equal(t, first, third)

	depth, err := tc.repo.GetQueueDepth(ctx, models.EnrichmentStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	depth, err = tc.repo.GetQueueDepth(ctx, models.EnrichmentStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestEnrichmentQueue_Enqueue_TerminalRequestNotRequeued(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	id := tc.enqueue("GLOBEX")
	tc.exec(`UPDATE enrichment_requests SET status = 'failed', attempts = 3 WHERE id = $1`, id)

	again, err := tc.repo.Enqueue(ctx, "Globex", "GLOBEX", "INABCDEFGHIJKLMN")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	counts, err := tc.repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.EnrichmentStatusPending])
	assert.Equal(t, 1, counts[models.EnrichmentStatusFailed])
}

func TestEnrichmentQueue_Enqueue_ConcurrentSameName(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	const callers = 10
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = tc.repo.Enqueue(ctx, "Initech", "INITECH", "INABCDEFGHIJKLMN")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	depth, err := tc.repo.GetQueueDepth(ctx, models.EnrichmentStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

// ============================================================================
// Dequeue Tests
// ============================================================================

func TestEnrichmentQueue_Dequeue_OldestFirstAndClaims(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := tc.enqueue(fmt.Sprintf("NAME %d", i))
		// Newest first in insertion order, so ordering must come from created_at.
		tc.exec(`UPDATE enrichment_requests SET created_at = $2 WHERE id = $1`, id, base.Add(time.Duration(3-i)*time.Minute))
		ids = append(ids, id)
	}

	claimed, err := tc.repo.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[2], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
	for _, req := range claimed {
		assert.Equal(t, models.EnrichmentStatusProcessing, req.Status)
		assert.Equal(t, models.EnrichmentStatusProcessing, tc.get(req.ID).Status)
	}

	rest, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)

	none, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEnrichmentQueue_Dequeue_RespectsBackoff(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	future := tc.enqueue("FUTURE CO")
	tc.exec(`UPDATE enrichment_requests SET next_retry_at = $2, attempts = 1 WHERE id = $1`, future, time.Now().Add(10*time.Minute))
	due := tc.enqueue("DUE CO")
	tc.exec(`UPDATE enrichment_requests SET next_retry_at = $2, attempts = 1 WHERE id = $1`, due, time.Now().Add(-time.Second))

	claimed, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due, claimed[0].ID)
	assert.Equal(t, models.EnrichmentStatusPending, tc.get(future).Status)
}

func TestEnrichmentQueue_Dequeue_ConcurrentWorkersNeverShareRows(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		tc.enqueue(fmt.Sprintf("COMPANY %02d", i))
	}

	const workers = 4
	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := tc.repo.Dequeue(ctx, 3)
				if err != nil {
					t.Errorf("dequeue failed: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, req := range batch {
					seen[req.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "request %s claimed %d times", id, n)
	}
}

// ============================================================================
// Transition Tests
// ============================================================================

func TestEnrichmentQueue_MarkDone(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	id := tc.enqueue("HOOLI")
	_, err := tc.repo.Dequeue(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, tc.repo.MarkDone(ctx, id, "777777"))

	req := tc.get(id)
	assert.Equal(t, models.EnrichmentStatusDone, req.Status)
	require.NotNil(t, req.ResolvedCanonicalID)
	assert.Equal(t, "777777", *req.ResolvedCanonicalID)
	assert.Nil(t, req.NextRetryAt)

	// Terminal rows are not transitioned again.
	err = tc.repo.MarkDone(ctx, id, "888888")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestEnrichmentQueue_MarkFailed_BackoffSchedule(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	id := tc.enqueue("VANDELAY")

	expectations := []struct {
		attempts int
		status   models.EnrichmentStatus
		backoff  time.Duration
	}{
		{1, models.EnrichmentStatusPending, time.Minute},
		{2, models.EnrichmentStatusPending, 5 * time.Minute},
		{3, models.EnrichmentStatusFailed, 0},
	}

	for _, want := range expectations {
		// Make the row eligible and claim it, as a worker would.
		tc.exec(`UPDATE enrichment_requests SET next_retry_at = NULL WHERE id = $1`, id)
		claimed, err := tc.repo.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		before := time.Now()
		req, err := tc.repo.MarkFailed(ctx, id, "lookup timed out")
		require.NoError(t, err)

		assert.Equal(t, want.attempts, req.Attempts)
		assert.Equal(t, want.status, req.Status)
		require.NotNil(t, req.LastError)
		assert.Equal(t, "lookup timed out", *req.LastError)

		if want.status == models.EnrichmentStatusFailed {
			assert.Nil(t, req.NextRetryAt)
			break
		}
		require.NotNil(t, req.NextRetryAt)
		assert.WithinDuration(t, before.Add(want.backoff), *req.NextRetryAt, 5*time.Second)
	}

	// A permanently failed request is never claimed again.
	claimed, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = tc.repo.MarkFailed(ctx, id, "again")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestEnrichmentQueue_MarkFailed_UnknownID(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)

	_, err := tc.repo.MarkFailed(context.Background(), uuid.New(), "boom")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestEnrichmentQueue_Release(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	id := tc.enqueue("KRAMERICA")
	tc.exec(`UPDATE enrichment_requests SET attempts = 1 WHERE id = $1`, id)
	_, err := tc.repo.Dequeue(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, tc.repo.Release(ctx, id))

	req := tc.get(id)
	assert.Equal(t, models.EnrichmentStatusPending, req.Status)
	assert.Equal(t, 1, req.Attempts)
	assert.Nil(t, req.NextRetryAt)

	// Only processing rows can be released.
	err = tc.repo.Release(ctx, id)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestEnrichmentQueue_ResetStaleProcessing(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	stale := tc.enqueue("STALE CO")
	fresh := tc.enqueue("FRESH CO")
	claimed, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	tc.exec(`UPDATE enrichment_requests SET updated_at = $2, attempts = 2 WHERE id = $1`, stale, time.Now().Add(-2*time.Hour))

	recovered, err := tc.repo.ResetStaleProcessing(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	staleReq := tc.get(stale)
	assert.Equal(t, models.EnrichmentStatusPending, staleReq.Status)
	assert.Equal(t, 2, staleReq.Attempts, "attempts must be preserved")
	assert.Nil(t, staleReq.NextRetryAt)

	assert.Equal(t, models.EnrichmentStatusProcessing, tc.get(fresh).Status)

	// The recovered row is immediately claimable again.
	again, err := tc.repo.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, stale, again[0].ID)
}

func TestEnrichmentQueue_CountByStatus(t *testing.T) {
	tc := setupEnrichmentQueueTest(t)
	ctx := context.Background()

	tc.enqueue("A CO")
	tc.enqueue("B CO")
	done := tc.enqueue("C CO")
	tc.exec(`UPDATE enrichment_requests SET status = 'done' WHERE id = $1`, done)

	counts, err := tc.repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.EnrichmentStatusPending])
	assert.Equal(t, 0, counts[models.EnrichmentStatusProcessing])
	assert.Equal(t, 1, counts[models.EnrichmentStatusDone])
	assert.Equal(t, 0, counts[models.EnrichmentStatusFailed])
}
