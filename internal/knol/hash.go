package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize lowercases the note content, normalizes line endings and trims
// surrounding whitespace so that cosmetic edits do not change its identity.
func Normalize(content string) string {
	c := strings.ReplaceAll(content, "\r\n", "\n")
	c = strings.ToLower(c)
	return strings.TrimSpace(c)
}

// Hash returns the SHA-256 of the normalized note content as a hex string.
func Hash(content string) string {
	hashBytes := sha256.Sum256([]byte(Normalize(content)))
	return fmt.Sprintf("%x", hashBytes)
}
