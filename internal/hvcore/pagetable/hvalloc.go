package pagetable

import (
	"fmt"
	"sync"

	"github.com/partitionhv/hvcore/internal/hv"
)

// addressReserver is the subset of *hv.AddressSpace this package
// depends on, so the adapter stays testable without a full VM address
// space.
type addressReserver interface {
	Allocate(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error)
}

// HVAllocator adapts an hv.AddressSpace into this package's Allocator:
// physical page addresses come from the VM's real address-space
// reservation (so paging-structure pages never collide with RAM or
// MMIO), while the page content itself is held in a process-local
// backing store, since this module does not own a mapped guest memory
// file descriptor the way internal/hv/kvm's memoryRegion does.
type HVAllocator struct {
	space addressReserver
	name  string

	mu    sync.Mutex
	pages map[uint64]*Table
}

// NewHVAllocator constructs an Allocator backed by space. name labels
// every reservation for diagnostics (e.g. "ept-root", "hostmmu").
func NewHVAllocator(space *hv.AddressSpace, name string) *HVAllocator {
	return &HVAllocator{
		space: space,
		name:  name,
		pages: make(map[uint64]*Table),
	}
}

func (h *HVAllocator) AllocPage() (uint64, error) {
	alloc, err := h.space.Allocate(hv.MMIOAllocationRequest{
		Name:      h.name,
		Size:      PageSize4K,
		Alignment: PageSize4K,
	})
	if err != nil {
		return 0, fmt.Errorf("pagetable: reserving page-table page: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[alloc.Base] = &Table{}
	return alloc.Base, nil
}

// FreePage drops the backing content for paddr. The underlying
// hv.AddressSpace reservation is permanent for the life of the VM (it
// has no release path), matching how the teacher's address space
// allocator is used elsewhere in the repo; only the paging-structure
// content is reclaimed here, making the physical address safe to
// reuse only within this allocator's own bookkeeping, never handed
// back to hv.AddressSpace.
func (h *HVAllocator) FreePage(paddr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pages, paddr)
}

func (h *HVAllocator) PageAt(paddr uint64) *Table {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.pages[paddr]
	if !ok {
		panic(fmt.Sprintf("pagetable: PageAt on unknown or freed page %#x", paddr))
	}
	return t
}
