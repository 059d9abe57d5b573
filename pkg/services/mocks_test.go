package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/entity-resolver/pkg/apperrors"
	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/lookup"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/repositories"
)

// ===== Mapping repository =====

type mockMappingRepo struct {
	mu       sync.Mutex
	entries  map[string]*models.MappingEntry
	getCalls int
	putCalls int
	getErr   error
	putErr   error
}

func newMockMappingRepo() *mockMappingRepo {
	return &mockMappingRepo{entries: make(map[string]*models.MappingEntry)}
}

var _ repositories.MappingRepository = (*mockMappingRepo)(nil)

func mappingKey(key string, matchType models.MatchType) string {
	return string(matchType) + "|" + key
}

func (m *mockMappingRepo) seed(key string, matchType models.MatchType, canonicalID string, source models.MappingSource, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[mappingKey(key, matchType)] = &models.MappingEntry{
		LookupKey: key, MatchType: matchType, CanonicalID: canonicalID, Source: source, Priority: priority,
	}
}

func (m *mockMappingRepo) Get(ctx context.Context, lookupKey string, matchType models.MatchType) (*models.MappingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.entries[mappingKey(lookupKey, matchType)]
	if !ok {
		return nil, nil
	}
	clone := *e
	return &clone, nil
}

func (m *mockMappingRepo) Put(ctx context.Context, entry *models.MappingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.putErr != nil {
		return m.putErr
	}
	if !identity.IsStorableCanonicalID(entry.CanonicalID) {
		return apperrors.ErrInvalidCanonicalID
	}
	if entry.Priority == 0 {
		entry.Priority = entry.Source.DefaultPriority()
	}
	k := mappingKey(entry.LookupKey, entry.MatchType)
	if existing, ok := m.entries[k]; ok && existing.Priority < entry.Priority {
		return apperrors.ErrSuperseded
	}
	clone := *entry
	m.entries[k] = &clone
	return nil
}

func (m *mockMappingRepo) ReplaceOverrides(ctx context.Context, entries []*models.MappingEntry) ([]*models.MappingEntry, error) {
	m.mu.Lock()
	var removed []*models.MappingEntry
	for k, e := range m.entries {
		if e.Source == models.MappingSourceOverride {
			removed = append(removed, e)
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.Source = models.MappingSourceOverride
		if err := m.Put(ctx, e); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func (m *mockMappingRepo) CountBySource(ctx context.Context) (map[models.MappingSource]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.MappingSource]int)
	for _, e := range m.entries {
		counts[e.Source]++
	}
	return counts, nil
}

func (m *mockMappingRepo) entry(key string, matchType models.MatchType) *models.MappingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[mappingKey(key, matchType)]
}

func (m *mockMappingRepo) calls() (gets, puts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls, m.putCalls
}

// ===== Enrichment queue repository =====

// mockQueueRepo is an in-memory queue with the same state machine as the
// Postgres repository.
type mockQueueRepo struct {
	mu           sync.Mutex
	requests     map[uuid.UUID]*models.EnrichmentRequest
	now          time.Time
	enqueueCalls int
	enqueueErr   error
	dequeueErr   error
	released     []uuid.UUID
}

func newMockQueueRepo() *mockQueueRepo {
	return &mockQueueRepo{
		requests: make(map[uuid.UUID]*models.EnrichmentRequest),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

var _ repositories.EnrichmentQueueRepository = (*mockQueueRepo)(nil)

func (m *mockQueueRepo) latestFor(normalizedName string) *models.EnrichmentRequest {
	var latest *models.EnrichmentRequest
	for _, r := range m.requests {
		if r.NormalizedName == normalizedName && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	return latest
}

func (m *mockQueueRepo) Enqueue(ctx context.Context, rawName, normalizedName, tempID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueCalls++
	if m.enqueueErr != nil {
		return uuid.Nil, m.enqueueErr
	}
	if existing := m.latestFor(normalizedName); existing != nil {
		return existing.ID, nil
	}
	// Distinct created_at values keep dequeue order deterministic.
	m.now = m.now.Add(time.Millisecond)
	r := &models.EnrichmentRequest{
		ID:             uuid.New(),
		RawName:        rawName,
		NormalizedName: normalizedName,
		TempID:         tempID,
		Status:         models.EnrichmentStatusPending,
		CreatedAt:      m.now,
		UpdatedAt:      m.now,
	}
	m.requests[r.ID] = r
	return r.ID, nil
}

func (m *mockQueueRepo) Dequeue(ctx context.Context, batchSize int) ([]*models.EnrichmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dequeueErr != nil {
		return nil, m.dequeueErr
	}
	var eligible []*models.EnrichmentRequest
	for _, r := range m.requests {
		if r.Status == models.EnrichmentStatusPending && (r.NextRetryAt == nil || !r.NextRetryAt.After(m.now)) {
			eligible = append(eligible, r)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}
	claimed := make([]*models.EnrichmentRequest, 0, len(eligible))
	for _, r := range eligible {
		r.Status = models.EnrichmentStatusProcessing
		r.UpdatedAt = m.now
		clone := *r
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (m *mockQueueRepo) processing(id uuid.UUID) (*models.EnrichmentRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if r.Status != models.EnrichmentStatusProcessing {
		return nil, apperrors.ErrConflict
	}
	return r, nil
}

func (m *mockQueueRepo) MarkDone(ctx context.Context, id uuid.UUID, canonicalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.processing(id)
	if err != nil {
		return err
	}
	r.Status = models.EnrichmentStatusDone
	r.ResolvedCanonicalID = &canonicalID
	r.NextRetryAt = nil
	r.UpdatedAt = m.now
	return nil
}

func (m *mockQueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (*models.EnrichmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.processing(id)
	if err != nil {
		return nil, err
	}
	r.Attempts++
	r.LastError = &errMsg
	r.UpdatedAt = m.now
	if r.Attempts >= models.MaxEnrichmentAttempts {
		r.Status = models.EnrichmentStatusFailed
		r.NextRetryAt = nil
	} else {
		r.Status = models.EnrichmentStatusPending
		next := m.now.Add(models.BackoffFor(r.Attempts))
		r.NextRetryAt = &next
	}
	clone := *r
	return &clone, nil
}

func (m *mockQueueRepo) Release(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.processing(id)
	if err != nil {
		return err
	}
	r.Status = models.EnrichmentStatusPending
	r.UpdatedAt = m.now
	m.released = append(m.released, id)
	return nil
}

func (m *mockQueueRepo) ResetStaleProcessing(ctx context.Context, threshold time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.requests {
		if r.Status == models.EnrichmentStatusProcessing && r.UpdatedAt.Before(m.now.Add(-threshold)) {
			r.Status = models.EnrichmentStatusPending
			r.NextRetryAt = nil
			r.UpdatedAt = m.now
			n++
		}
	}
	return n, nil
}

func (m *mockQueueRepo) GetQueueDepth(ctx context.Context, status models.EnrichmentStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *mockQueueRepo) CountByStatus(ctx context.Context) (map[models.EnrichmentStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.EnrichmentStatus]int)
	for _, s := range models.ValidEnrichmentStatuses {
		counts[s] = 0
	}
	for _, r := range m.requests {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *mockQueueRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EnrichmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (m *mockQueueRepo) GetByNormalizedName(ctx context.Context, normalizedName string) (*models.EnrichmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.latestFor(normalizedName)
	if r == nil {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (m *mockQueueRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockQueueRepo) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// ===== Lookup client =====

type mockLookupClient struct {
	mu       sync.Mutex
	results  map[string]string // raw name -> canonical id
	errs     map[string]error  // raw name -> error
	fallback error
	names    []string
	block    chan struct{}
}

func newMockLookupClient() *mockLookupClient {
	return &mockLookupClient{
		results:  make(map[string]string),
		errs:     make(map[string]error),
		fallback: lookup.ErrNotFound,
	}
}

func (m *mockLookupClient) Lookup(ctx context.Context, name string) (*lookup.Result, error) {
	m.mu.Lock()
	m.names = append(m.names, name)
	block := m.block
	id, hit := m.results[name]
	err, failed := m.errs[name]
	fallback := m.fallback
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch {
	case failed:
		return nil, err
	case hit:
		return &lookup.Result{CanonicalID: id, Name: name}, nil
	default:
		return nil, fallback
	}
}

func (m *mockLookupClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.names)
}

// mockCheckedLookupClient adds credential checks to mockLookupClient.
type mockCheckedLookupClient struct {
	*mockLookupClient
	preflightErr error
	refreshErr   error
	preflights   int
	refreshes    int
}

func (m *mockCheckedLookupClient) Preflight(ctx context.Context) error {
	m.preflights++
	return m.preflightErr
}

func (m *mockCheckedLookupClient) RefreshCredentials(ctx context.Context) error {
	m.refreshes++
	return m.refreshErr
}
