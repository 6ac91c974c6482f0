package utils

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// hashLen is the number of hex characters kept from the digest.
const hashLen = 20

// ShortHash returns a truncated hex BLAKE3 digest of s.
func ShortHash(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// JobID hashes the raw request signature exactly as received. Two requests
// differing only in parameter order get different ids.
func JobID(rawSignature string) string {
	return ShortHash(rawSignature)
}

// SourceID hashes the source URL so every job on the same URL shares one download.
func SourceID(url string) string {
	return ShortHash(url)
}
