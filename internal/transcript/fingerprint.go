package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes text for fingerprinting: Unicode NFC, trim outer
// whitespace, collapse internal whitespace runs to single spaces. Identical
// content captured by different layers (JSONL vs pane scrape) normalizes to
// the same string.
func Normalize(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Fingerprint returns the dedup key for a piece of assistant text: the first
// 16 hex characters of SHA-256 over the normalized text.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])[:16]
}
