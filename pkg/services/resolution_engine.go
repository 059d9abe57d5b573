package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/apperrors"
	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/logging"
	"github.com/ekaya-inc/entity-resolver/pkg/lookup"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/repositories"
)

// EntityLookup is the external lookup surface the cascade depends on.
type EntityLookup interface {
	Lookup(ctx context.Context, name string) (*lookup.Result, error)
}

// CredentialChecker is implemented by lookup clients that can verify their
// credential before a session starts spending budget.
type CredentialChecker interface {
	Preflight(ctx context.Context) error
	RefreshCredentials(ctx context.Context) error
}

// ResolutionEngine resolves one row's identifiers to a canonical id.
type ResolutionEngine interface {
	// Resolve walks the cascade until a tier produces a result. An unresolved
	// name is not an error: it yields a temporary id and is queued for
	// enrichment. Only a failure to persist that queue entry is returned.
	Resolve(ctx context.Context, ids models.Identifiers, budget *Budget) (*models.ResolutionResult, error)

	// PrepareSession verifies the lookup credential once before a session. If
	// the credential is rejected, the budget is disabled so no row spends an
	// attempt on it.
	PrepareSession(ctx context.Context, budget *Budget)
}

// ResolutionEngineConfig holds the engine's tunables.
type ResolutionEngineConfig struct {
	DefaultCanonicalID string
}

// LookupKey is one normalized identifier of a row.
type LookupKey struct {
	MatchType models.MatchType
	Key       string
}

// BuildLookupKeys normalizes a row's identifiers into lookup keys in tier order,
// skipping empty ones. The customer name yields both a hardcode and a name key.
func BuildLookupKeys(ids models.Identifiers) []LookupKey {
	raw := map[models.MatchType]string{
		models.MatchTypePlanCode:      ids.PlanCode,
		models.MatchTypeAccountNumber: ids.AccountNumber,
		models.MatchTypeHardcode:      ids.CustomerName,
		models.MatchTypeName:          ids.CustomerName,
		models.MatchTypeAccountName:   ids.AccountName,
	}

	keys := make([]LookupKey, 0, len(models.MatchTypeOrder))
	for _, matchType := range models.MatchTypeOrder {
		if key := identity.KeyFor(matchType, raw[matchType]); key != "" {
			keys = append(keys, LookupKey{MatchType: matchType, Key: key})
		}
	}
	return keys
}

// resolutionRequest is the per-row state shared by the tiers.
type resolutionRequest struct {
	ids            models.Identifiers
	keys           []LookupKey
	rawName        string
	normalizedName string
	budget         *Budget
}

func (r *resolutionRequest) key(matchType models.MatchType) (string, bool) {
	for _, k := range r.keys {
		if k.MatchType == matchType {
			return k.Key, true
		}
	}
	return "", false
}

// tierStrategy is one step of the cascade. Try returns nil, nil to pass the
// row to the next tier.
type tierStrategy interface {
	Tier() models.ResolutionTier
	Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error)
}

type resolutionEngine struct {
	tiers  []tierStrategy
	client EntityLookup
	logger *zap.Logger
}

// NewResolutionEngine assembles the cascade:
// override, cache, passthrough, external lookup, default, deferred.
// client may be nil, in which case the external tier never fires.
func NewResolutionEngine(
	overrides *OverrideTable,
	mappings repositories.MappingRepository,
	client EntityLookup,
	queue repositories.EnrichmentQueueRepository,
	tempIDs *identity.TempIDGenerator,
	cfg ResolutionEngineConfig,
	logger *zap.Logger,
) ResolutionEngine {
	logger = logger.Named("resolution-engine")
	return &resolutionEngine{
		tiers: []tierStrategy{
			&overrideTier{table: overrides},
			&cacheTier{store: mappings, logger: logger},
			&passthroughTier{},
			&externalTier{client: client, store: mappings, logger: logger},
			&defaultTier{canonicalID: cfg.DefaultCanonicalID},
			&deferredTier{queue: queue, tempIDs: tempIDs, logger: logger},
		},
		client: client,
		logger: logger,
	}
}

var _ ResolutionEngine = (*resolutionEngine)(nil)

func (e *resolutionEngine) Resolve(ctx context.Context, ids models.Identifiers, budget *Budget) (*models.ResolutionResult, error) {
	req := &resolutionRequest{
		ids:            ids,
		keys:           BuildLookupKeys(ids),
		rawName:        strings.TrimSpace(ids.CustomerName),
		normalizedName: identity.NormalizeName(ids.CustomerName),
		budget:         budget,
	}

	for _, tier := range e.tiers {
		result, err := tier.Try(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%s tier: %w", tier.Tier(), err)
		}
		if result != nil {
			return result, nil
		}
	}

	// The deferred tier always answers for a non-blank name and the default
	// tier for a blank one, so this is unreachable with the standard cascade.
	return nil, fmt.Errorf("no tier resolved %q", req.rawName)
}

func (e *resolutionEngine) PrepareSession(ctx context.Context, budget *Budget) {
	checker, ok := e.client.(CredentialChecker)
	if !ok || budget.Remaining() == 0 {
		return
	}
	if err := checkCredential(ctx, checker, e.logger); err != nil {
		budget.Disable()
	}
}

// checkCredential runs Preflight and retries once after a credential refresh.
// Only an auth failure is returned; a transient preflight error is logged and
// the session proceeds.
func checkCredential(ctx context.Context, checker CredentialChecker, logger *zap.Logger) error {
	err := checker.Preflight(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, lookup.ErrAuthFailed) {
		logger.Warn("Lookup preflight failed; continuing",
			zap.String("error", logging.SanitizeError(err)))
		return nil
	}

	if refreshErr := checker.RefreshCredentials(ctx); refreshErr != nil {
		if errors.Is(refreshErr, lookup.ErrAuthFailed) {
			logger.Error("Lookup credential unusable; external lookups disabled for this session",
				zap.String("error", logging.SanitizeError(refreshErr)))
			return refreshErr
		}
		logger.Warn("Lookup credential refresh check failed; continuing",
			zap.String("error", logging.SanitizeError(refreshErr)))
	}
	return nil
}

// ===== Tier 1: overrides =====

type overrideTier struct {
	table *OverrideTable
}

func (t *overrideTier) Tier() models.ResolutionTier { return models.TierOverride }

func (t *overrideTier) Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error) {
	canonicalID, _, ok := t.table.Match(req.keys)
	if !ok {
		return nil, nil
	}
	return &models.ResolutionResult{CanonicalID: canonicalID, Tier: models.TierOverride}, nil
}

// ===== Tier 2: mapping cache =====

type cacheTier struct {
	store  repositories.MappingRepository
	logger *zap.Logger
}

func (t *cacheTier) Tier() models.ResolutionTier { return models.TierCache }

func (t *cacheTier) Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error) {
	var best *models.MappingEntry
	for _, k := range req.keys {
		entry, err := t.store.Get(ctx, k.Key, k.MatchType)
		if err != nil {
			t.logger.Warn("Mapping cache read failed",
				zap.String("match_type", string(k.MatchType)),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		// Keys arrive in tier order, so a strict comparison keeps the earlier
		// tier on equal priority.
		if entry != nil && (best == nil || entry.Priority < best.Priority) {
			best = entry
		}
	}
	if best == nil {
		return nil, nil
	}

	if nameKey, ok := req.key(models.MatchTypeName); ok && best.MatchType != models.MatchTypeName {
		t.backfillName(ctx, nameKey, best)
	}

	return &models.ResolutionResult{CanonicalID: best.CanonicalID, Tier: models.TierCache}, nil
}

// backfillName records a hit found via another key under the name key so the
// queue worker and later name-only rows can find it.
func (t *cacheTier) backfillName(ctx context.Context, nameKey string, hit *models.MappingEntry) {
	err := t.store.Put(ctx, &models.MappingEntry{
		LookupKey:   nameKey,
		MatchType:   models.MatchTypeName,
		CanonicalID: hit.CanonicalID,
		Source:      models.MappingSourceCache,
	})
	if errors.Is(err, apperrors.ErrSuperseded) {
		t.logger.Debug("Name mapping already held by a higher-precedence entry", zap.String("name", nameKey))
		return
	}
	if err != nil {
		t.logger.Warn("Failed to back-fill name mapping",
			zap.String("name", nameKey),
			zap.String("error", logging.SanitizeError(err)))
	}
}

// ===== Tier 3: passthrough =====

type passthroughTier struct{}

func (t *passthroughTier) Tier() models.ResolutionTier { return models.TierPassthrough }

func (t *passthroughTier) Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error) {
	id := strings.TrimSpace(req.ids.CanonicalID)
	if !identity.IsAcceptedCanonicalID(id) {
		return nil, nil
	}
	return &models.ResolutionResult{CanonicalID: id, Tier: models.TierPassthrough}, nil
}

// ===== Tier 4: budgeted external lookup =====

type externalTier struct {
	client EntityLookup
	store  repositories.MappingRepository
	logger *zap.Logger
}

func (t *externalTier) Tier() models.ResolutionTier { return models.TierExternal }

func (t *externalTier) Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error) {
	if t.client == nil || req.normalizedName == "" {
		return nil, nil
	}
	if !req.budget.TryConsume() {
		return nil, nil
	}

	result, err := t.client.Lookup(ctx, req.rawName)
	switch {
	case err == nil:
	case errors.Is(err, lookup.ErrAuthFailed):
		if !req.budget.Disabled() {
			t.logger.Error("Lookup credential rejected; external lookups disabled for this session",
				zap.String("error", logging.SanitizeError(err)))
		}
		req.budget.Disable()
		return nil, nil
	case errors.Is(err, lookup.ErrCircuitOpen):
		req.budget.Refund()
		return nil, nil
	default:
		t.logger.Debug("External lookup did not resolve",
			zap.String("name", req.normalizedName),
			zap.String("error", logging.SanitizeError(err)))
		return nil, nil
	}

	storeExternalResult(ctx, t.store, req.normalizedName, result.CanonicalID, t.logger)
	return &models.ResolutionResult{CanonicalID: result.CanonicalID, Tier: models.TierExternal}, nil
}

// storeExternalResult writes a lookup result through to the mapping cache. A
// rejected or superseded write is logged and does not affect the caller's result.
func storeExternalResult(ctx context.Context, store repositories.MappingRepository, normalizedName, canonicalID string, logger *zap.Logger) {
	err := store.Put(ctx, &models.MappingEntry{
		LookupKey:   normalizedName,
		MatchType:   models.MatchTypeName,
		CanonicalID: canonicalID,
		Source:      models.MappingSourceExternalAPI,
	})
	if errors.Is(err, apperrors.ErrSuperseded) {
		logger.Info("Lookup result not cached; a higher-precedence mapping holds the name",
			zap.String("name", normalizedName),
			zap.String("canonical_id", canonicalID))
		return
	}
	if err != nil {
		logger.Warn("Failed to cache lookup result",
			zap.String("name", normalizedName),
			zap.String("canonical_id", canonicalID),
			zap.String("error", logging.SanitizeError(err)))
	}
}

// ===== Tier 5: default for blank names =====

type defaultTier struct {
	canonicalID string
}

func (t *defaultTier) Tier() models.ResolutionTier { return models.TierDefault }

func (t *defaultTier) Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error) {
	if req.normalizedName != "" {
		return nil, nil
	}
	return &models.ResolutionResult{CanonicalID: t.canonicalID, Tier: models.TierDefault}, nil
}

// ===== Tier 6: deferred enrichment =====

type deferredTier struct {
	queue   repositories.EnrichmentQueueRepository
	tempIDs *identity.TempIDGenerator
	logger  *zap.Logger
}

func (t *deferredTier) Tier() models.ResolutionTier { return models.TierDeferred }

func (t *deferredTier) Try(ctx context.Context, req *resolutionRequest) (*models.ResolutionResult, error) {
	if req.normalizedName == "" {
		return nil, nil
	}

	tempID := t.tempIDs.Derive(req.normalizedName)
	requestID, err := t.queue.Enqueue(ctx, req.rawName, req.normalizedName, tempID)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue enrichment request: %w", err)
	}

	t.logger.Debug("Deferred resolution",
		zap.Int("tier", int(models.TierDeferred)),
		zap.String("name", req.normalizedName),
		zap.String("temp_id", tempID),
		zap.String("request_id", requestID.String()))

	return &models.ResolutionResult{CanonicalID: tempID, Tier: models.TierDeferred, IsTemporary: true}, nil
}
