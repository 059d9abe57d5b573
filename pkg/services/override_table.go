package services

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/models"
)

// overrideFile is the on-disk shape of the override table.
//
//	overrides:
//	  - match_type: plan_code
//	    key: PLN-0042
//	    canonical_id: "204518"
//	    priority: 1
type overrideFile struct {
	Overrides []models.OverrideEntry `yaml:"overrides"`
}

type overrideValue struct {
	canonicalID string
	priority    int
}

// OverrideTable is the in-memory, read-only table of configured overrides,
// keyed by match type and normalized key. It is built once at startup.
type OverrideTable struct {
	byType map[models.MatchType]map[string]overrideValue
	size   int
}

// LoadOverrides reads an override file. A missing file is reported with an
// error wrapping fs.ErrNotExist so the caller can decide whether it matters.
func LoadOverrides(path string) (*OverrideTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read override file: %w", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides builds a table from YAML. Unknown fields are rejected.
func ParseOverrides(data []byte) (*OverrideTable, error) {
	var file overrideFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse override file: %w", err)
	}
	return NewOverrideTable(file.Overrides)
}

// NewOverrideTable validates and indexes override entries. Keys are normalized
// the same way lookup keys are. When two entries share a key, the one with the
// better priority wins; equal priorities with different ids are a conflict.
func NewOverrideTable(entries []models.OverrideEntry) (*OverrideTable, error) {
	t := &OverrideTable{byType: make(map[models.MatchType]map[string]overrideValue)}

	for i, e := range entries {
		if !e.MatchType.IsValid() {
			return nil, fmt.Errorf("override %d: unknown match type %q", i, e.MatchType)
		}
		key := identity.KeyFor(e.MatchType, e.Key)
		if key == "" {
			return nil, fmt.Errorf("override %d: empty key", i)
		}
		if !identity.IsStorableCanonicalID(e.CanonicalID) {
			return nil, fmt.Errorf("override %d (%s %q): invalid canonical id %q", i, e.MatchType, e.Key, e.CanonicalID)
		}
		priority := e.Priority
		if priority == 0 {
			priority = models.PriorityHighest
		}
		if priority < models.PriorityHighest || priority > models.PriorityLowest {
			return nil, fmt.Errorf("override %d (%s %q): priority %d out of range 1-5", i, e.MatchType, e.Key, e.Priority)
		}

		keys, ok := t.byType[e.MatchType]
		if !ok {
			keys = make(map[string]overrideValue)
			t.byType[e.MatchType] = keys
		}

		value := overrideValue{canonicalID: e.CanonicalID, priority: priority}
		if existing, dup := keys[key]; dup {
			switch {
			case existing.priority < priority:
				continue
			case existing.priority == priority && existing.canonicalID != e.CanonicalID:
				return nil, fmt.Errorf("override %d: %s %q maps to both %q and %q at priority %d",
					i, e.MatchType, key, existing.canonicalID, e.CanonicalID, priority)
			}
		} else {
			t.size++
		}
		keys[key] = value
	}

	return t, nil
}

// Len returns the number of distinct override keys.
func (t *OverrideTable) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Match returns the first override hit for the given keys, which must already
// be in tier order.
func (t *OverrideTable) Match(keys []LookupKey) (string, models.MatchType, bool) {
	if t.Len() == 0 {
		return "", "", false
	}
	for _, k := range keys {
		if v, ok := t.byType[k.MatchType][k.Key]; ok {
			return v.canonicalID, k.MatchType, true
		}
	}
	return "", "", false
}

// MappingEntries converts the table into mapping rows for preloading the cache.
// Priorities are clamped into the reserved override band.
func (t *OverrideTable) MappingEntries() []*models.MappingEntry {
	if t.Len() == 0 {
		return nil
	}
	entries := make([]*models.MappingEntry, 0, t.size)
	for _, matchType := range models.MatchTypeOrder {
		for key, v := range t.byType[matchType] {
			entries = append(entries, &models.MappingEntry{
				LookupKey:   key,
				MatchType:   matchType,
				CanonicalID: v.canonicalID,
				Priority:    models.OverridePriority(v.priority),
				Source:      models.MappingSourceOverride,
			})
		}
	}
	return entries
}
