// Package models contains domain types for the entity resolver.
package models

import "time"

// ============================================================================
// Match Types
// ============================================================================

// MatchType identifies which source field a lookup key was built from.
type MatchType string

const (
	MatchTypePlanCode      MatchType = "plan_code"
	MatchTypeAccountNumber MatchType = "account_number"
	MatchTypeHardcode      MatchType = "hardcode"
	MatchTypeName          MatchType = "name"
	MatchTypeAccountName   MatchType = "account_name"
)

// MatchTypeOrder is the fixed tier order in which identifiers are consulted,
// both for overrides and for cache lookups.
var MatchTypeOrder = []MatchType{
	MatchTypePlanCode,
	MatchTypeAccountNumber,
	MatchTypeHardcode,
	MatchTypeName,
	MatchTypeAccountName,
}

// IsValid returns true if the match type is one of the known types.
func (m MatchType) IsValid() bool {
	for _, v := range MatchTypeOrder {
		if v == m {
			return true
		}
	}
	return false
}

// Rank returns the position of the match type in MatchTypeOrder, or -1.
func (m MatchType) Rank() int {
	for i, v := range MatchTypeOrder {
		if v == m {
			return i
		}
	}
	return -1
}

// ============================================================================
// Mapping Sources and Priorities
// ============================================================================

// MappingSource records where a mapping entry came from.
type MappingSource string

const (
	MappingSourceOverride    MappingSource = "override"
	MappingSourceCache       MappingSource = "cache"
	MappingSourceExternalAPI MappingSource = "external_api"
)

// Priorities run 1 (highest precedence) to 5. Band 1-2 is reserved for overrides.
const (
	PriorityHighest     = 1
	PriorityOverrideMax = 2
	PriorityCache       = 3
	PriorityExternalAPI = 4
	PriorityLowest      = 5
)

// OverridePriority clamps a configured override priority (1-5) into the
// reserved override band so overrides always outrank other sources.
func OverridePriority(configured int) int {
	if configured < PriorityHighest {
		return PriorityHighest
	}
	if configured > PriorityOverrideMax {
		return PriorityOverrideMax
	}
	return configured
}

// DefaultPriority returns the priority assigned to entries written by a source.
func (s MappingSource) DefaultPriority() int {
	switch s {
	case MappingSourceOverride:
		return PriorityHighest
	case MappingSourceCache:
		return PriorityCache
	case MappingSourceExternalAPI:
		return PriorityExternalAPI
	default:
		return PriorityLowest
	}
}

// MappingEntry is one row of the mapping cache: a normalized lookup key of a
// given match type resolved to a canonical id.
type MappingEntry struct {
	LookupKey   string        `json:"lookup_key"`
	MatchType   MatchType     `json:"match_type"`
	CanonicalID string        `json:"canonical_id"`
	Priority    int           `json:"priority"`
	Source      MappingSource `json:"source"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// OverrideEntry is one configured override, as authored in the override file.
type OverrideEntry struct {
	MatchType   MatchType `yaml:"match_type"`
	Key         string    `yaml:"key"`
	CanonicalID string    `yaml:"canonical_id"`
	Priority    int       `yaml:"priority"`
}
