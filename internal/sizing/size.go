// Package sizing provides checked integer conversions and alignment helpers
// for on-disk offsets and sizes.
package sizing

import "math"

// Alignment is the granularity of every block payload in a packed file.
const Alignment = 16

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// ToUint32 converts a uint64 to uint32, returning overflowErr if it doesn't fit.
func ToUint32(size uint64, overflowErr error) (uint32, error) {
	if size > math.MaxUint32 {
		return 0, overflowErr
	}
	return uint32(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// MulUint64 multiplies two uint64 values, returning (result, false) on overflow.
func MulUint64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

// AlignUp rounds n up to the next multiple of Alignment.
// It returns (0, false) when the result would overflow.
func AlignUp(n uint64) (uint64, bool) {
	sum, ok := AddUint64(n, Alignment-1)
	if !ok {
		return 0, false
	}
	return sum &^ (Alignment - 1), true
}

// Aligned reports whether n is a multiple of Alignment.
func Aligned(n uint64) bool {
	return n%Alignment == 0
}
