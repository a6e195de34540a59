// Package sha256 condenses dedup keys into fixed-size SHA-256 digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the SHA-256 of a dedup key. Holding digests instead of the keys
// keeps a seen set of millions of actions at a fixed 32 bytes per entry.
type Digest [sha256.Size]byte

// Sum returns the digest of key.
func Sum(key string) Digest {
	return sha256.Sum256([]byte(key))
}

// String returns the hex form of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
