package modelcache

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Checksum computes the SHA-256 checksum of blob as 64 lowercase hex
// characters.
func Checksum(blob []byte) string {
	h := sha256.Sum256(blob)
	return hex.EncodeToString(h[:])
}

// Verify reports whether blob's checksum matches expected. The expected
// value is compared case-insensitively; after normalization the match
// must be exact.
//
// This is the single gate for marking a blob verified. No other code
// path may set the verified flag.
func Verify(blob []byte, expected string) bool {
	actual := Checksum(blob)
	normalized := strings.ToLower(expected)
	if len(normalized) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(normalized)) == 1
}
