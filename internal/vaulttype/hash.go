// Package vaulttype defines types shared by the public nexusvault packages and
// their internal implementations. This avoids import cycles between archive,
// index and the root package.
package vaulttype

import (
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a content hash in bytes.
const HashSize = sha1.Size

// Hash is the SHA-1 digest that addresses stored content.
type Hash [HashSize]byte

// Sum returns the hash of data.
func Sum(data []byte) Hash {
	return sha1.Sum(data) //nolint:gosec // content addressing
}

// ParseHash decodes a 40 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(HashSize) {
		return h, fmt.Errorf("parse hash %q: want %d hex characters", s, hex.EncodedLen(HashSize))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	return h, nil
}

// HashFromBytes copies b into a Hash. It reports false when b has the wrong length.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
