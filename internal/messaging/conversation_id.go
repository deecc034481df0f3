// ABOUTME: Deterministic conversation ids derived from the participant pair and scope
// ABOUTME: Makes conversation creation an idempotent keyed write

package messaging

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConversationID returns the canonical id for the unordered pair {a, b} in
// scopeRef. Each part is length-prefixed so ("ab","c") and ("a","bc") differ.
func ConversationID(a, b, scopeRef string) string {
	first, second := sortPair(a, b)
	h := sha256.New()
	var n [4]byte
	for _, part := range []string{first, second, scopeRef} {
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return "cv_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func sortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
