// Package util contains helper functions used across the kernel.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Ispow2 reports whether v is a power of two. Zero is not.
func Ispow2[T Int](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// Log2 returns the base-2 logarithm of v rounded down.
// It panics on zero.
func Log2[T Int](v T) uint {
	if v == 0 {
		panic("log2 of zero")
	}
	r := uint(0)
	for v > 1 {
		v >>= 1
		r++
	}
	return r
}

// Ctz returns the number of trailing zero bits of v, or 64 for zero.
func Ctz[T Int](v T) uint {
	if v == 0 {
		return 64
	}
	r := uint(0)
	for v&1 == 0 {
		v >>= 1
		r++
	}
	return r
}

// Readn reads n little-endian bytes from a starting at off and returns
// the value. It panics if the requested region is out of bounds or the
// size is unsupported.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	switch n {
	case 8, 4, 2, 1:
	default:
		panic("unsupported size")
	}
	var ret uint64
	for i := n - 1; i >= 0; i-- {
		ret = ret<<8 | uint64(a[off+i])
	}
	return int(ret)
}

// Writen writes val using sz little-endian bytes into a starting at off.
// It panics if the destination is out of bounds or the size is
// unsupported.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	switch sz {
	case 8, 4, 2, 1:
	default:
		panic("unsupported size")
	}
	v := uint64(val)
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(v)
		v >>= 8
	}
}
