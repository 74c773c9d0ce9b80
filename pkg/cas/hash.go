// Package cas provides content-addressed blob storage: every blob is
// identified by the SHA-256 digest of its bytes and is immutable once written.
package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HashPrefix is the canonical textual prefix for content addresses.
const HashPrefix = "sha256:"

// Hash is a 32-byte SHA-256 digest. Raw bytes are used for hashing and
// indexing; the hex form (with "sha256:" prefix) is canonical on external
// surfaces. Hashes are totally ordered by lexicographic byte comparison.
type Hash [32]byte

// Sum computes the content hash of raw bytes.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// ParseHash parses "sha256:<hex>" or a bare 64-char hex string.
func ParseHash(s string) (Hash, error) {
	hexPart := strings.TrimPrefix(s, HashPrefix)
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return Hash{}, fmt.Errorf("cas: invalid hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return Hash{}, fmt.Errorf("cas: invalid hash %q: want 32 bytes, got %d", s, len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// MustParseHash is ParseHash for known-good literals; panics on error.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// IsZero reports whether h is the reserved zero sentinel ("not yet computed").
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex returns the bare lowercase hex form.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String returns the canonical "sha256:<hex>" form.
func (h Hash) String() string {
	return HashPrefix + h.Hex()
}

// Compare orders hashes by lexicographic byte comparison.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// MarshalJSON encodes the canonical string form.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts the canonical string form or bare hex.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
