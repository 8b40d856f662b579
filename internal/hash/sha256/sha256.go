// Package sha256 derives stable digests for cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher builds render cache keys from SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Key hashes parts separated by NUL bytes, so ("ab","c") and ("a","bc")
// never collide.
func (h *Hasher) Key(parts ...string) string {
	digest := sha256.New()
	for i, p := range parts {
		if i > 0 {
			digest.Write([]byte{0})
		}
		digest.Write([]byte(p))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
