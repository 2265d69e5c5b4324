package decider

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lower-cases s, collapses internal whitespace and trims it.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ContentHash fingerprints a redacted text within its tenant/user scope.
// Two texts that differ only in case or whitespace hash the same.
func ContentHash(tenantID, userID, redactedText string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(tenantID)))
	h.Write([]byte{'|'})
	h.Write([]byte(Normalize(userID)))
	h.Write([]byte{'|'})
	h.Write([]byte(Normalize(redactedText)))
	return hex.EncodeToString(h.Sum(nil))
}
