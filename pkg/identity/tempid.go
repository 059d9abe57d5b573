package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

const (
	// TempIDPrefix marks an id as temporary.
	TempIDPrefix = "IN"
	// TempIDLength is the fixed width of every temporary id, prefix included.
	TempIDLength = 16
)

var tempIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TempIDGenerator derives deterministic temporary ids from normalized names.
// The salt keys the hash so ids cannot be precomputed from public names.
type TempIDGenerator struct {
	salt []byte
}

// NewTempIDGenerator creates a generator keyed by salt.
func NewTempIDGenerator(salt string) *TempIDGenerator {
	return &TempIDGenerator{salt: []byte(salt)}
}

// Derive returns the temporary id for a normalized name. The same name always
// yields the same id for a given salt.
func (g *TempIDGenerator) Derive(normalizedName string) string {
	mac := hmac.New(sha256.New, g.salt)
	mac.Write([]byte(normalizedName))
	encoded := tempIDEncoding.EncodeToString(mac.Sum(nil))
	return TempIDPrefix + encoded[:TempIDLength-len(TempIDPrefix)]
}

// IsTempID reports whether id has the shape of a temporary id.
func IsTempID(id string) bool {
	if len(id) != TempIDLength || !strings.HasPrefix(id, TempIDPrefix) {
		return false
	}
	for _, r := range id[len(TempIDPrefix):] {
		if !(r >= 'A' && r <= 'Z') && !(r >= '2' && r <= '7') {
			return false
		}
	}
	return true
}
