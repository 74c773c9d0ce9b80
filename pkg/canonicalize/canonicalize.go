// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing and signing of runtime
// artifacts: manifests, effect intents, receipts, journal payloads, snapshots.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map and struct keys are sorted lexicographically by UTF-16 code units.
// 2. HTML escaping is DISABLED (unlike standard json.Marshal).
// 3. Numbers are serialized with the shortest round-trippable form.
//
// v is first marshalled with encoding/json (so struct tags are respected),
// then transformed into its canonical form.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 digest of the canonical form of v.
func CanonicalHash(v interface{}) ([32]byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// CanonicalHashHex returns the lowercase hex SHA-256 digest of the canonical
// form of v.
func CanonicalHashHex(v interface{}) (string, error) {
	sum, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
