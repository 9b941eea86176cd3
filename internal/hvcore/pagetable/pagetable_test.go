package pagetable

import "testing"

func newTestEngine(t *testing.T, flavor Flavor) (*Engine, *memAllocator, uint64) {
	t.Helper()
	alloc := newMemAllocator()
	e := New(flavor, alloc)

	sanitizedPA, err := alloc.AllocPage()
	if err != nil {
		t.Fatalf("allocating sanitized page: %v", err)
	}
	e.InitSanitizedPage(sanitizedPA)

	root, err := e.CreateRoot()
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	return e, alloc, root
}

func TestCreateRootAllSlotsAbsent(t *testing.T) {
	e, alloc, root := newTestEngine(t, HostMMU{})
	page := alloc.PageAt(root)
	for i, entry := range page {
		if e.flavor.Present(entry) {
			t.Fatalf("slot %d present after CreateRoot", i)
		}
	}
}

func TestAddMapAndLookup4K(t *testing.T) {
	e, _, root := newTestEngine(t, HostMMU{})

	const vaddr = 0x0000_1234_0000
	const paddr = 0x20_0000_0000
	prot := uint64(hostPresent | hostRW)

	if err := e.AddMap(root, paddr, vaddr, PageSize4K, prot); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	entry, size, ok := e.Lookup(root, vaddr)
	if !ok {
		t.Fatalf("Lookup did not find mapping")
	}
	if size != PageSize4K {
		t.Fatalf("Lookup size = %#x, want 4K", size)
	}
	if entryAddr(entry) != paddr {
		t.Fatalf("Lookup addr = %#x, want %#x", entryAddr(entry), paddr)
	}
	if entry&hostRW == 0 {
		t.Fatalf("RW bit lost")
	}
}

func TestAddMapLargePage(t *testing.T) {
	e, _, root := newTestEngine(t, HostMMU{})

	const vaddr = uint64(4) * PageSize2M // 2MiB-aligned
	const paddr = uint64(8) * PageSize2M
	prot := uint64(hostPresent | hostRW)

	if err := e.AddMap(root, paddr, vaddr, PageSize2M, prot); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	entry, size, ok := e.Lookup(root, vaddr+0x1000)
	if !ok {
		t.Fatalf("Lookup did not find large-page mapping")
	}
	if size != PageSize2M {
		t.Fatalf("Lookup size = %#x, want 2M", size)
	}
	if entryAddr(entry) != paddr {
		t.Fatalf("Lookup addr = %#x, want %#x", entryAddr(entry), paddr)
	}
}

func TestModifyProtection(t *testing.T) {
	e, _, root := newTestEngine(t, HostMMU{})

	const vaddr = 0x3000
	const paddr = 0x40_0000_0000
	if err := e.AddMap(root, paddr, vaddr, PageSize4K, hostPresent|hostRW); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	if err := e.ModifyOrDel(root, vaddr, PageSize4K, 0, hostRW, Modify); err != nil {
		t.Fatalf("ModifyOrDel: %v", err)
	}

	entry, _, ok := e.Lookup(root, vaddr)
	if !ok {
		t.Fatalf("Lookup did not find mapping after modify")
	}
	if entry&hostRW != 0 {
		t.Fatalf("RW bit still set after clearing it")
	}
	if entry&hostPresent == 0 {
		t.Fatalf("present bit unexpectedly cleared")
	}
}

func TestDelUnmapsAndReclaimsInteriorPage(t *testing.T) {
	e, alloc, root := newTestEngine(t, HostMMU{})

	const vaddr = 0x9000
	const paddr = 0x50_0000_0000
	if err := e.AddMap(root, paddr, vaddr, PageSize4K, hostPresent|hostRW); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	l4 := alloc.PageAt(root)
	l4idx := indexFor(vaddr, Level4)
	l3PA := entryAddr(l4[l4idx])

	if err := e.ModifyOrDel(root, vaddr, PageSize4K, 0, 0, Del); err != nil {
		t.Fatalf("ModifyOrDel Del: %v", err)
	}

	if _, _, ok := e.Lookup(root, vaddr); ok {
		t.Fatalf("Lookup found mapping after Del")
	}

	if !alloc.freed[l3PA] {
		t.Fatalf("expected every interior page above the deleted leaf to be reclaimed")
	}
	if e.flavor.Present(l4[l4idx]) {
		t.Fatalf("root entry still present after full reclamation")
	}
}

func TestSplitLargePageOnPartialUnmap(t *testing.T) {
	e, _, root := newTestEngine(t, HostMMU{})

	const vaddr = uint64(2) * PageSize2M
	const paddr = uint64(6) * PageSize2M
	if err := e.AddMap(root, paddr, vaddr, PageSize2M, hostPresent|hostRW); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	// Unmap only the first 4KiB page of the 2MiB region; the engine
	// must split the large leaf rather than unmap the whole thing.
	if err := e.ModifyOrDel(root, vaddr, PageSize4K, 0, 0, Del); err != nil {
		t.Fatalf("ModifyOrDel Del: %v", err)
	}

	if _, _, ok := e.Lookup(root, vaddr); ok {
		t.Fatalf("first 4KiB page still mapped after Del")
	}

	entry, size, ok := e.Lookup(root, vaddr+PageSize4K)
	if !ok {
		t.Fatalf("second 4KiB page lost mapping after split")
	}
	if size != PageSize4K {
		t.Fatalf("post-split size = %#x, want 4K", size)
	}
	if entryAddr(entry) != paddr+PageSize4K {
		t.Fatalf("post-split addr = %#x, want %#x", entryAddr(entry), paddr+PageSize4K)
	}
}

func TestEPTFlavorMemType(t *testing.T) {
	flavor := EPT{MemType: 6}
	e, _, root := newTestEngine(t, flavor)

	const vaddr = 0x5000
	const paddr = 0x60_0000_0000
	if err := e.AddMap(root, paddr, vaddr, PageSize4K, eptRead|eptWrite); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	entry, _, ok := e.Lookup(root, vaddr)
	if !ok {
		t.Fatalf("Lookup did not find EPT mapping")
	}
	if entry&eptRead == 0 || entry&eptWrite == 0 {
		t.Fatalf("RW bits lost in EPT entry")
	}
}
