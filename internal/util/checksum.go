package util

import (
	"github.com/cespare/xxhash/v2"
)

// Checksum utilities for transfer chunk integrity.
// Uses xxhash64, which is also what the ring fingerprint is built on.

// ComputeChecksum computes a 64-bit checksum for the given data
func ComputeChecksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint64) bool {
	return ComputeChecksum(data) == expected
}
