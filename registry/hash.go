package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText canonicalizes text before hashing so the same content
// arriving through different parsers or encodings yields the same
// identity: Unicode NFC, LF line endings, trailing whitespace stripped
// from every line.
func NormalizeText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// HashText returns the SHA-256 hex digest of the normalized text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// DocIDFromHash derives a document id from a content hash. Sixteen hex
// characters keep ids short enough for URLs while leaving collisions
// out of practical reach.
func DocIDFromHash(hash string) string {
	if len(hash) < 16 {
		return hash
	}
	return hash[:16]
}
