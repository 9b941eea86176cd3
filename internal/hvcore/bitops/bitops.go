// Package bitops implements the bit-primitive building blocks shared by
// the IRQ/vector core, the SMP call mask, and the page-table engine:
// atomic set/clear/test, test-and-set/test-and-clear, leading/trailing
// bit scan, and a multi-word zero-bit scan.
package bitops

import (
	"math/bits"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// InvalidBitIndex is returned by the scan functions when no matching bit
// is found, mirroring the architecture's INVALID_BIT_INDEX sentinel.
const InvalidBitIndex = 0xFFFF

// Set32 sets bit n (nolock, non-atomic) in *word.
func Set32(word *uint32, n uint) {
	*word |= 1 << n
}

// Clear32 clears bit n (nolock, non-atomic) in *word.
func Clear32(word *uint32, n uint) {
	*word &^= 1 << n
}

// Test32 reports whether bit n is set in word.
func Test32(word uint32, n uint) bool {
	return word&(1<<n) != 0
}

// Set64 sets bit n (nolock, non-atomic) in *word.
func Set64(word *uint64, n uint) {
	*word |= 1 << n
}

// Clear64 clears bit n (nolock, non-atomic) in *word.
func Clear64(word *uint64, n uint) {
	*word &^= 1 << n
}

// Test64 reports whether bit n is set in word.
func Test64(word uint64, n uint) bool {
	return word&(1<<n) != 0
}

// AtomicTestAndSet32 atomically sets bit n of word and returns its
// previous value. Safe for concurrent callers (the "lock" variant of
// test-and-set required by the global IRQ allocation bitmap).
func AtomicTestAndSet32(word *atomicbitops.Uint32, n uint) bool {
	mask := uint32(1) << n
	for {
		old := word.Load()
		if old&mask != 0 {
			return true
		}
		if word.CompareAndSwap(old, old|mask) {
			return false
		}
	}
}

// AtomicTestAndClear32 atomically clears bit n of word and returns its
// previous value.
func AtomicTestAndClear32(word *atomicbitops.Uint32, n uint) bool {
	mask := uint32(1) << n
	for {
		old := word.Load()
		if old&mask == 0 {
			return false
		}
		if word.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

// AtomicTestAndSet64 atomically sets bit n of word and returns its
// previous value. Used by the IRQ allocation bitmap and the SMP call
// mask, both of which index wider than 32 targets per word.
func AtomicTestAndSet64(word *atomicbitops.Uint64, n uint) bool {
	mask := uint64(1) << n
	for {
		old := word.Load()
		if old&mask != 0 {
			return true
		}
		if word.CompareAndSwap(old, old|mask) {
			return false
		}
	}
}

// AtomicTestAndClear64 atomically clears bit n of word and returns its
// previous value.
func AtomicTestAndClear64(word *atomicbitops.Uint64, n uint) bool {
	mask := uint64(1) << n
	for {
		old := word.Load()
		if old&mask == 0 {
			return false
		}
		if word.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

// AtomicTest64 reports whether bit n of word is set, without modifying it.
func AtomicTest64(word *atomicbitops.Uint64, n uint) bool {
	return word.Load()&(1<<n) != 0
}

// TestAndSet32NoLock is the non-atomic test-and-set used when the caller
// already holds the protecting spinlock.
func TestAndSet32NoLock(word *uint32, n uint) bool {
	mask := uint32(1) << n
	old := *word&mask != 0
	*word |= mask
	return old
}

// TestAndClear32NoLock is the non-atomic test-and-clear used when the
// caller already holds the protecting spinlock.
func TestAndClear32NoLock(word *uint32, n uint) bool {
	mask := uint32(1) << n
	old := *word&mask != 0
	*word &^= mask
	return old
}

// LeadingBitScan32 returns the index of the highest set bit, or
// InvalidBitIndex if word is zero.
func LeadingBitScan32(word uint32) uint16 {
	if word == 0 {
		return InvalidBitIndex
	}
	return uint16(31 - bits.LeadingZeros32(word))
}

// LeadingBitScan64 returns the index of the highest set bit, or
// InvalidBitIndex if word is zero.
func LeadingBitScan64(word uint64) uint16 {
	if word == 0 {
		return InvalidBitIndex
	}
	return uint16(63 - bits.LeadingZeros64(word))
}

// TrailingBitScan32 returns the index of the lowest set bit, or
// InvalidBitIndex if word is zero.
func TrailingBitScan32(word uint32) uint16 {
	if word == 0 {
		return InvalidBitIndex
	}
	return uint16(bits.TrailingZeros32(word))
}

// TrailingBitScan64 returns the index of the lowest set bit, or
// InvalidBitIndex if word is zero.
func TrailingBitScan64(word uint64) uint16 {
	if word == 0 {
		return InvalidBitIndex
	}
	return uint16(bits.TrailingZeros64(word))
}

// PopCount64 returns the number of set bits in word.
func PopCount64(word uint64) int {
	return bits.OnesCount64(word)
}

// ZeroBitScan scans an array of 64-bit words for the first zero bit, in
// word order, returning its global bit index. If every bit in every word
// is set, it returns len(words)*64 (the total bit size), matching the
// architecture's "return total size if all ones" contract.
func ZeroBitScan(words []uint64) int {
	for i, w := range words {
		if w == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			if w&(1<<uint(b)) == 0 {
				return i*64 + b
			}
		}
	}
	return len(words) * 64
}
