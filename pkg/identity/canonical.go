package identity

import (
	"regexp"
	"strings"
)

// placeholderIDs are values spreadsheets use to mean "no id". They are never
// valid canonical ids, whether read from a source row or from storage.
var placeholderIDs = map[string]struct{}{
	"N":    {},
	"NA":   {},
	"N/A":  {},
	"NULL": {},
	"NONE": {},
	"NAN":  {},
	"NIL":  {},
	"-":    {},
	"0":    {},
	"TBD":  {},
}

var (
	// numericIDPattern matches plain numeric canonical ids.
	numericIDPattern = regexp.MustCompile(`^[0-9]{4,12}$`)
	// prefixedIDPattern matches short alphabetic prefixes followed by digits, e.g. "C-004512", "AB1234567".
	prefixedIDPattern = regexp.MustCompile(`^[A-Z]{1,3}-?[0-9]{4,10}$`)
)

// IsPlaceholder reports whether id is empty or a recognized placeholder token.
func IsPlaceholder(id string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(id))
	if trimmed == "" {
		return true
	}
	_, ok := placeholderIDs[trimmed]
	return ok
}

// IsStorableCanonicalID reports whether id may be written to or served from the
// mapping cache: non-empty, not a placeholder and not a temporary id.
func IsStorableCanonicalID(id string) bool {
	return !IsPlaceholder(id) && !IsTempID(strings.TrimSpace(id))
}

// IsAcceptedCanonicalID is the passthrough predicate: it accepts ids that a source
// row may carry directly. Only numeric ids and the short prefixed shape qualify.
func IsAcceptedCanonicalID(id string) bool {
	if !IsStorableCanonicalID(id) {
		return false
	}
	candidate := strings.ToUpper(strings.TrimSpace(id))
	return numericIDPattern.MatchString(candidate) || prefixedIDPattern.MatchString(candidate)
}
