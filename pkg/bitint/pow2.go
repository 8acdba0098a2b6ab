/*
Package bitint provides the power-of-two helpers used to size transform
frames and carry buffers.

A transform size must be a power of two so the spectral frame layout
(N/2+1 complex bins, N+2 interleaved values) stays exact; carry buffers
are rounded up to the next power of two so a burst of capture chunks has
headroom without reallocating.

	size := bitint.NextPowerOfTwo(3000) // 4096
	ok := bitint.IsPowerOfTwo(size)     // true
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size.
// Subtracting one first keeps exact powers of two unchanged:
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2. A power of two
// has exactly one bit set, so clearing the lowest set bit yields zero.
//
//	Input  Output  Binary
//	8      true    1000 & 0111 = 0000
//	7      false   0111 & 0110 = 0110
//	0      false   Not positive
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
