package sigcache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes arbitrary session-derived content (first user message,
// last-N messages concatenated, or a full conversation digest — spec.md
// §4.2) into a session-cache key. Callers in package gateway own building
// the input strings; this package only hashes them, keeping
// sigcache free of a dependency on the message model.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
