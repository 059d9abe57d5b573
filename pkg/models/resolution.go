package models

// ResolutionTier identifies which cascade step produced a result.
type ResolutionTier int

const (
	TierOverride    ResolutionTier = 1
	TierCache       ResolutionTier = 2
	TierPassthrough ResolutionTier = 3
	TierExternal    ResolutionTier = 4
	TierDefault     ResolutionTier = 5
	TierDeferred    ResolutionTier = 6
)

// String returns a human-readable tier name for logs.
func (t ResolutionTier) String() string {
	switch t {
	case TierOverride:
		return "override"
	case TierCache:
		return "cache"
	case TierPassthrough:
		return "passthrough"
	case TierExternal:
		return "external"
	case TierDefault:
		return "default"
	case TierDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Identifiers are the identity-bearing fields of one source row. Any may be empty.
type Identifiers struct {
	PlanCode      string `json:"plan_code,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	// CanonicalID is an id already present on the source row, if any.
	CanonicalID string `json:"canonical_id,omitempty"`
}

// ResolutionResult is the outcome of resolving one row.
type ResolutionResult struct {
	CanonicalID string         `json:"canonical_id"`
	Tier        ResolutionTier `json:"tier"`
	IsTemporary bool           `json:"is_temporary"`
}
