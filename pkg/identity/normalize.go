// Package identity holds the pure functions of entity identity resolution:
// lookup-key normalization, canonical id shape checks and temporary id derivation.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/ekaya-inc/entity-resolver/pkg/models"
)

// NormalizeName folds case, punctuation and whitespace so that spellings of the
// same name compare equal. Input is NFKC-normalized first, so composed and
// decomposed accents match and full-width forms fold to ASCII. It is a pure
// function with no locale state.
//
//	"  Acme Holdings, Inc. " -> "ACME HOLDINGS INC"
//	"A.C.M.E. & Sons"        -> "ACME AND SONS"
func NormalizeName(raw string) string {
	raw = norm.NFKC.String(raw)
	var b strings.Builder
	b.Grow(len(raw))

	pendingSpace := false
	writeSpace := func() {
		if b.Len() > 0 {
			pendingSpace = true
		}
	}

	for _, r := range raw {
		switch {
		case r == '\'' || r == '.' || r == '`' || r == '’':
			// Dropped without a separator so "Inc." and "A.C.M.E." collapse.
			continue
		case r == '&':
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("AND")
			pendingSpace = true
		case unicode.Is(unicode.Mn, r):
			// Marks with no precomposed form stay on the letter they follow.
			if b.Len() > 0 && !pendingSpace {
				b.WriteRune(r)
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(unicode.ToUpper(r))
		default:
			writeSpace()
		}
	}

	return b.String()
}

// NormalizeCode normalizes identifier-like keys (plan codes, account numbers):
// NFKC-normalized, upper-cased, with all whitespace removed. Punctuation inside
// codes is kept.
func NormalizeCode(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, norm.NFKC.String(raw))
}

// NormalizeExact upper-cases and collapses whitespace but keeps punctuation.
// Hardcoded name overrides match on this form so they can pin one spelling.
func NormalizeExact(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(norm.NFKC.String(raw)), " "))
}

// KeyFor normalizes a raw identifier the way lookup keys of matchType are stored.
func KeyFor(matchType models.MatchType, raw string) string {
	switch matchType {
	case models.MatchTypePlanCode, models.MatchTypeAccountNumber:
		return NormalizeCode(raw)
	case models.MatchTypeHardcode:
		return NormalizeExact(raw)
	default:
		return NormalizeName(raw)
	}
}
