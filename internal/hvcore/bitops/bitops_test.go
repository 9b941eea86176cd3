package bitops

import (
	"testing"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

func TestSetClearTest32(t *testing.T) {
	var w uint32
	Set32(&w, 3)
	if !Test32(w, 3) {
		t.Fatalf("bit 3 should be set")
	}
	Clear32(&w, 3)
	if Test32(w, 3) {
		t.Fatalf("bit 3 should be clear")
	}
}

func TestAtomicTestAndSet32(t *testing.T) {
	var w atomicbitops.Uint32
	if AtomicTestAndSet32(&w, 5) {
		t.Fatalf("first test-and-set should report previously-clear")
	}
	if !AtomicTestAndSet32(&w, 5) {
		t.Fatalf("second test-and-set should report previously-set")
	}
	if !AtomicTestAndClear32(&w, 5) {
		t.Fatalf("test-and-clear should report previously-set")
	}
	if AtomicTestAndClear32(&w, 5) {
		t.Fatalf("second test-and-clear should report previously-clear")
	}
}

func TestAtomicTestAndSet64(t *testing.T) {
	var w atomicbitops.Uint64
	if AtomicTestAndSet64(&w, 40) {
		t.Fatalf("first test-and-set should report previously-clear")
	}
	if !AtomicTest64(&w, 40) {
		t.Fatalf("expected bit 40 set")
	}
	if !AtomicTestAndSet64(&w, 40) {
		t.Fatalf("second test-and-set should report previously-set")
	}
	if !AtomicTestAndClear64(&w, 40) {
		t.Fatalf("test-and-clear should report previously-set")
	}
	if AtomicTestAndClear64(&w, 40) {
		t.Fatalf("second test-and-clear should report previously-clear")
	}
	if AtomicTest64(&w, 40) {
		t.Fatalf("expected bit 40 clear")
	}
}

func TestLeadingTrailingBitScan(t *testing.T) {
	if got := LeadingBitScan32(0); got != InvalidBitIndex {
		t.Fatalf("LeadingBitScan32(0) = %d, want InvalidBitIndex", got)
	}
	if got := TrailingBitScan32(0); got != InvalidBitIndex {
		t.Fatalf("TrailingBitScan32(0) = %d, want InvalidBitIndex", got)
	}
	if got := LeadingBitScan32(0b1010); got != 3 {
		t.Fatalf("LeadingBitScan32(0b1010) = %d, want 3", got)
	}
	if got := TrailingBitScan32(0b1010); got != 1 {
		t.Fatalf("TrailingBitScan32(0b1010) = %d, want 1", got)
	}
	if got := LeadingBitScan64(1 << 40); got != 40 {
		t.Fatalf("LeadingBitScan64 = %d, want 40", got)
	}
}

func TestPopCount64(t *testing.T) {
	if got := PopCount64(0xFF); got != 8 {
		t.Fatalf("PopCount64(0xFF) = %d, want 8", got)
	}
}

func TestZeroBitScan(t *testing.T) {
	words := []uint64{^uint64(0), ^uint64(0) &^ (1 << 10)}
	if got := ZeroBitScan(words); got != 64+10 {
		t.Fatalf("ZeroBitScan = %d, want %d", got, 64+10)
	}

	allOnes := []uint64{^uint64(0), ^uint64(0)}
	if got := ZeroBitScan(allOnes); got != 128 {
		t.Fatalf("ZeroBitScan(all ones) = %d, want 128", got)
	}
}
