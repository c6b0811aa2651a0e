package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashBytes computes the hex SHA-256 of raw bytes. Used for artifact
// content hashes, where the digest must match what an external
// `sha256sum` of the stored payload would report.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue computes the hex SHA-256 of the canonical JSON form of a
// structured value. This is the hash recorded in envelope metadata:
// two logically equal payloads hash identically regardless of field
// insertion order.
func HashValue(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash value: %w", err)
	}
	return HashBytes(canonical), nil
}

// MustHashValue is like HashValue but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHashValue(v any) string {
	h, err := HashValue(v)
	if err != nil {
		panic(err)
	}
	return h
}
