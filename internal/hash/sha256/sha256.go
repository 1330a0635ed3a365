// Package sha256 provides SHA-256 digests for page bodies, cache keys, and
// record fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes parts joined by a unit separator so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	return Sum([]byte(strings.Join(parts, "\x1f")))
}
