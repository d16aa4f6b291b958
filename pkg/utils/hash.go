package utils

import (
	"github.com/cespare/xxhash/v2"
)

// HashString returns the 64-bit xxhash of s. Used wherever a stable,
// well-distributed key hash is needed (partitioning, fetch-list ordering).
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// SeededHash mixes a per-run seed into the hash of s.
func SeededHash(s string, seed uint64) uint64 {
	return xxhash.Sum64String(s) ^ seed
}
