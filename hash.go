// Package hydrate provides the value types shared by the cache-first
// hydration layer: BLAKE3 content hashes and deterministic asset keys
// derived from remote image URLs.
package hydrate

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the byte length of a BLAKE3-256 digest.
const HashSize = 32

// Hash is a BLAKE3 digest. Asset keys derive from the hash of a source
// URL; image metadata records carry the hash of the downloaded bytes so
// a refresh that returns identical content can skip the blob write.
type Hash [HashSize]byte

// HashBytes digests data with BLAKE3.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString is the first 8 bytes in hex, for log output.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler so hashes serialize as
// hex inside JSON records.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}
