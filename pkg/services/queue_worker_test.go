package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/config"
	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/lookup"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		BatchSize:            10,
		Concurrency:          3,
		LookupBudget:         10,
		StaleThreshold:       30 * time.Minute,
		MaxRunDuration:       time.Minute,
		BacklogWarnThreshold: 100,
	}
}

type workerFixture struct {
	mappings *mockMappingRepo
	client   *mockLookupClient
	queue    *mockQueueRepo
	tempIDs  *identity.TempIDGenerator
}

func newWorkerFixture() *workerFixture {
	return &workerFixture{
		mappings: newMockMappingRepo(),
		client:   newMockLookupClient(),
		queue:    newMockQueueRepo(),
		tempIDs:  identity.NewTempIDGenerator("test-salt"),
	}
}

func (f *workerFixture) worker(cfg config.WorkerConfig) QueueWorker {
	return NewQueueWorker(f.queue, f.mappings, f.client, cfg, zap.NewNop())
}

func (f *workerFixture) enqueue(t *testing.T, raw string) uuid.UUID {
	t.Helper()
	normalized := identity.NormalizeName(raw)
	id, err := f.queue.Enqueue(context.Background(), raw, normalized, f.tempIDs.Derive(normalized))
	require.NoError(t, err)
	return id
}

func (f *workerFixture) request(t *testing.T, id uuid.UUID) *models.EnrichmentRequest {
	t.Helper()
	req, err := f.queue.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func TestQueueWorker_ResolvesAndWritesThrough(t *testing.T) {
	f := newWorkerFixture()
	f.client.results["Acme Holdings"] = "204518"
	id := f.enqueue(t, "Acme Holdings")

	stats, err := f.worker(testWorkerConfig()).Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, &models.ProcessingStats{Processed: 1, Resolved: 1}, stats)
	req := f.request(t, id)
	assert.Equal(t, models.EnrichmentStatusDone, req.Status)
	require.NotNil(t, req.ResolvedCanonicalID)
	assert.Equal(t, "204518", *req.ResolvedCanonicalID)

	cached := f.mappings.entry("ACME HOLDINGS", models.MatchTypeName)
	require.NotNil(t, cached)
	assert.Equal(t, models.MappingSourceExternalAPI, cached.Source)
}

func TestQueueWorker_CacheHitSkipsLookup(t *testing.T) {
	f := newWorkerFixture()
	id := f.enqueue(t, "Globex")
	f.mappings.seed("GLOBEX", models.MatchTypeName, "300300", models.MappingSourceExternalAPI, models.PriorityExternalAPI)

	stats, err := f.worker(testWorkerConfig()).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Resolved)
	assert.Zero(t, f.client.calls())
	assert.Equal(t, models.EnrichmentStatusDone, f.request(t, id).Status)
}

func TestQueueWorker_FailureSchedulesBackoff(t *testing.T) {
	f := newWorkerFixture()
	f.client.fallback = fmt.Errorf("status 503: %w", lookup.ErrTransient)
	id := f.enqueue(t, "Initech")

	stats, err := f.worker(testWorkerConfig()).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.QueueDepthAfter)
	req := f.request(t, id)
	assert.Equal(t, models.EnrichmentStatusPending, req.Status)
	assert.Equal(t, 1, req.Attempts)
	require.NotNil(t, req.NextRetryAt)
	require.NotNil(t, req.LastError)
	assert.Contains(t, *req.LastError, "503")

	// Not eligible again until the backoff elapses.
	stats, err = f.worker(testWorkerConfig()).Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, 1, f.client.calls())
}

func TestQueueWorker_PermanentFailureAfterThreeAttempts(t *testing.T) {
	f := newWorkerFixture()
	id := f.enqueue(t, "Nobody Inc")
	w := f.worker(testWorkerConfig())

	for attempt := 1; attempt <= models.MaxEnrichmentAttempts; attempt++ {
		_, err := w.Run(context.Background(), 10)
		require.NoError(t, err)
		f.queue.advance(models.BackoffFor(attempt) + time.Second)
	}

	req := f.request(t, id)
	assert.Equal(t, models.EnrichmentStatusFailed, req.Status)
	assert.Equal(t, models.MaxEnrichmentAttempts, req.Attempts)
	assert.Nil(t, req.NextRetryAt)

	stats, err := w.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed, "failed requests are never retried")
	assert.Equal(t, models.MaxEnrichmentAttempts, f.client.calls())
}

func TestQueueWorker_AuthFailureReleasesRemaining(t *testing.T) {
	f := newWorkerFixture()
	f.client.fallback = fmt.Errorf("status 401: %w", lookup.ErrAuthFailed)
	ids := []uuid.UUID{f.enqueue(t, "A Co"), f.enqueue(t, "B Co"), f.enqueue(t, "C Co")}

	cfg := testWorkerConfig()
	cfg.Concurrency = 1
	stats, err := f.worker(cfg).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, f.client.calls(), "lookups stop after the first auth failure")
	assert.Equal(t, 3, stats.Released)
	assert.Zero(t, stats.Failed)
	for _, id := range ids {
		req := f.request(t, id)
		assert.Equal(t, models.EnrichmentStatusPending, req.Status)
		assert.Zero(t, req.Attempts, "auth failures must not count as attempts")
	}
}

func TestQueueWorker_CircuitOpenReleasesWithoutSpending(t *testing.T) {
	f := newWorkerFixture()
	f.client.fallback = fmt.Errorf("%w: down", lookup.ErrCircuitOpen)
	id := f.enqueue(t, "Hooli")

	stats, err := f.worker(testWorkerConfig()).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Released)
	assert.Zero(t, f.request(t, id).Attempts)
}

func TestQueueWorker_ClaimCappedByBudget(t *testing.T) {
	f := newWorkerFixture()
	for i := 0; i < 5; i++ {
		f.enqueue(t, fmt.Sprintf("Company %d", i))
	}

	cfg := testWorkerConfig()
	cfg.LookupBudget = 2
	stats, err := f.worker(cfg).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, f.client.calls())
	assert.Equal(t, 5, stats.QueueDepthAfter, "failed attempts return to pending with backoff")
}

func TestQueueWorker_ZeroBudgetClaimsNothing(t *testing.T) {
	f := newWorkerFixture()
	f.enqueue(t, "Acme")

	cfg := testWorkerConfig()
	cfg.LookupBudget = 0
	stats, err := f.worker(cfg).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Zero(t, stats.Processed)
	assert.Equal(t, 1, stats.QueueDepthAfter)
}

func TestQueueWorker_OldestFirst(t *testing.T) {
	f := newWorkerFixture()
	f.enqueue(t, "First")
	f.enqueue(t, "Second")
	f.enqueue(t, "Third")

	cfg := testWorkerConfig()
	cfg.Concurrency = 1
	_, err := f.worker(cfg).Run(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"First", "Second"}, f.client.names)
}

func TestQueueWorker_RecoversStaleClaims(t *testing.T) {
	f := newWorkerFixture()
	f.client.results["Stuck Co"] = "121212"
	id := f.enqueue(t, "Stuck Co")

	// A crashed worker claimed the row and never finished.
	claimed, err := f.queue.Dequeue(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	f.queue.advance(time.Hour)

	stats, err := f.worker(testWorkerConfig()).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, models.EnrichmentStatusDone, f.request(t, id).Status)
}

func TestQueueWorker_RunCeilingReleasesUnstartedRows(t *testing.T) {
	f := newWorkerFixture()
	f.client.block = make(chan struct{})
	ids := []uuid.UUID{f.enqueue(t, "Slow One"), f.enqueue(t, "Slow Two"), f.enqueue(t, "Slow Three")}

	cfg := testWorkerConfig()
	cfg.Concurrency = 1
	cfg.MaxRunDuration = 50 * time.Millisecond
	stats, err := f.worker(cfg).Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Released)
	for _, id := range ids {
		req := f.request(t, id)
		assert.Equal(t, models.EnrichmentStatusPending, req.Status)
		assert.Zero(t, req.Attempts)
	}
}

func TestQueueWorker_DequeueErrorPropagates(t *testing.T) {
	f := newWorkerFixture()
	f.queue.dequeueErr = errors.New("connection refused")

	_, err := f.worker(testWorkerConfig()).Run(context.Background(), 10)
	require.Error(t, err)
}

func TestQueueWorker_CredentialRejectedClaimsNothing(t *testing.T) {
	f := newWorkerFixture()
	f.enqueue(t, "Acme")
	client := &mockCheckedLookupClient{
		mockLookupClient: f.client,
		preflightErr:     lookup.ErrAuthFailed,
		refreshErr:       lookup.ErrAuthFailed,
	}

	w := NewQueueWorker(f.queue, f.mappings, client, testWorkerConfig(), zap.NewNop())
	stats, err := w.Run(context.Background(), 10)
	require.NoError(t, err)

	assert.Zero(t, stats.Processed)
	assert.Zero(t, f.client.calls())
	assert.Equal(t, 1, client.refreshes)
}

func TestQueueWorker_Stats(t *testing.T) {
	f := newWorkerFixture()
	f.enqueue(t, "Acme")
	f.mappings.seed("GLOBEX", models.MatchTypeName, "300300", models.MappingSourceOverride, models.PriorityHighest)

	stats, err := f.worker(testWorkerConfig()).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Requests[models.EnrichmentStatusPending])
	assert.Equal(t, 0, stats.Requests[models.EnrichmentStatusFailed])
	assert.Equal(t, 1, stats.Mappings[models.MappingSourceOverride])
}

// End to end through the mocks: a name deferred in one session is resolved by
// the worker and then served from the cache tier.
func TestQueueWorker_ResolvedNameServedFromCache(t *testing.T) {
	f := newWorkerFixture()
	table, err := NewOverrideTable(nil)
	require.NoError(t, err)
	engine := NewResolutionEngine(table, f.mappings, f.client, f.queue, f.tempIDs,
		ResolutionEngineConfig{DefaultCanonicalID: testDefaultID}, zap.NewNop())
	ctx := context.Background()

	deferred, err := engine.Resolve(ctx, models.Identifiers{CustomerName: "Massive Dynamic"}, NewBudget(0))
	require.NoError(t, err)
	require.True(t, deferred.IsTemporary)

	f.client.results["Massive Dynamic"] = "616161"
	_, err = f.worker(testWorkerConfig()).Run(ctx, 10)
	require.NoError(t, err)

	resolved, err := engine.Resolve(ctx, models.Identifiers{CustomerName: "massive dynamic"}, NewBudget(0))
	require.NoError(t, err)
	assert.Equal(t, &models.ResolutionResult{CanonicalID: "616161", Tier: models.TierCache}, resolved)
}
