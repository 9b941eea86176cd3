package pagetable

import (
	"testing"

	"github.com/partitionhv/hvcore/internal/hv"
)

func TestHVAllocatorReservesDistinctPages(t *testing.T) {
	space := hv.NewAddressSpace(hv.ArchitectureX86_64, 0, 0x1_0000_0000)
	alloc := NewHVAllocator(space, "test-pagetable")

	pa1, err := alloc.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	pa2, err := alloc.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if pa1 == pa2 {
		t.Fatalf("expected distinct physical addresses, got %#x twice", pa1)
	}
	if pa1%PageSize4K != 0 || pa2%PageSize4K != 0 {
		t.Fatalf("expected 4K-aligned addresses, got %#x and %#x", pa1, pa2)
	}

	page := alloc.PageAt(pa1)
	page[0] = 0xdeadbeef
	if alloc.PageAt(pa1)[0] != 0xdeadbeef {
		t.Fatalf("PageAt did not return a stable reference to the same backing table")
	}

	alloc.FreePage(pa1)
}

func TestHVAllocatorIntegratesWithEngine(t *testing.T) {
	space := hv.NewAddressSpace(hv.ArchitectureX86_64, 0, 0x1_0000_0000)
	alloc := NewHVAllocator(space, "test-ept")
	e := New(EPT{MemType: 6}, alloc)

	sanitizedPA, err := alloc.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	e.InitSanitizedPage(sanitizedPA)

	root, err := e.CreateRoot()
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	const vaddr = 0x7000
	const paddr = 0x80_0000_0000
	if err := e.AddMap(root, paddr, vaddr, PageSize4K, eptRead|eptWrite); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	entry, _, ok := e.Lookup(root, vaddr)
	if !ok {
		t.Fatalf("Lookup did not find mapping through HVAllocator")
	}
	if entryAddr(entry) != paddr {
		t.Fatalf("entry addr = %#x, want %#x", entryAddr(entry), paddr)
	}
}
