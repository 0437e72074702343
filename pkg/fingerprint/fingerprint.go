// Package fingerprint derives the stable cache key for a query. The input
// must already be redacted; fingerprints are persisted and must never be
// computed over raw text.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lowercases, collapses whitespace, and strips punctuation so that
// trivially different phrasings of the same query share a fingerprint.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '[' || r == ']' || r == '_' || r == '-':
			b.WriteRune(r)
			lastSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

// Compute returns the hex SHA-256 of the normalized text.
func Compute(redactedText string) string {
	sum := sha256.Sum256([]byte(Normalize(redactedText)))
	return hex.EncodeToString(sum[:])
}
