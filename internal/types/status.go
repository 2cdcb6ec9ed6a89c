package types

import "math/bits"

// StatusOrdinal maps a raw status word to the index of its state label: the
// bit length of the word, 0 for a zero word. A negative word counts by its
// magnitude, so -1 is 1 and -128 is 8.
func StatusOrdinal(raw int64) int {
	if raw < 0 {
		// -raw overflows for MinInt64; the unsigned negation does not.
		return bits.Len64(-uint64(raw))
	}
	return bits.Len64(uint64(raw))
}
