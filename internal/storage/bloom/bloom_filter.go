// Package bloom provides the membership filter used to skip store files
// that cannot contain a key.
package bloom

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is a probabilistic set: MayContain never returns false for an added key
type Filter struct {
	bits      []uint64
	size      uint64
	hashCount uint64
}

// New creates a filter sized for expectedElements at the given false positive rate
func New(expectedElements int, falsePositiveRate float64) *Filter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(math.Ceil(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if size < 64 {
		size = 64
	}
	// k = (m/n) * ln(2)
	hashCount := uint64(math.Round(float64(size) / float64(expectedElements) * math.Ln2))
	if hashCount == 0 {
		hashCount = 1
	}

	return &Filter{
		bits:      make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts key
func (f *Filter) Add(key string) {
	h1, h2 := hashes(key)
	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.size
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain reports whether key might have been added
func (f *Filter) MayContain(key string) bool {
	h1, h2 := hashes(key)
	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.size
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// hashes derives the two double-hashing seeds from one 64 bit digest
func hashes(key string) (uint64, uint64) {
	h := xxhash.Sum64String(key)
	h1 := h & 0xffffffff
	h2 := (h >> 32) | 1
	return h1, h2
}
