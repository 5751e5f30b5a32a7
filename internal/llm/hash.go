package llm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// shortHash returns the first 16 hex characters of the SHA-256 of s.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// sanitizeModel makes a model name filesystem-safe for cache paths.
func sanitizeModel(model string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, model)
}
