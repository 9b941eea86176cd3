package pagetable

import "fmt"

// memAllocator is a trivial in-memory Allocator for tests: physical
// addresses are just sequential page-aligned offsets into a simulated
// address space, backed by a map of tables.
type memAllocator struct {
	next  uint64
	pages map[uint64]*Table
	freed map[uint64]bool
}

func newMemAllocator() *memAllocator {
	return &memAllocator{
		next:  PageSize4K, // reserve page 0 so a zero paddr never aliases a real page
		pages: make(map[uint64]*Table),
		freed: make(map[uint64]bool),
	}
}

func (m *memAllocator) AllocPage() (uint64, error) {
	pa := m.next
	m.next += PageSize4K
	m.pages[pa] = &Table{}
	delete(m.freed, pa)
	return pa, nil
}

func (m *memAllocator) FreePage(pa uint64) {
	if m.freed[pa] {
		panic(fmt.Sprintf("double free of page %#x", pa))
	}
	m.freed[pa] = true
	delete(m.pages, pa)
}

func (m *memAllocator) PageAt(pa uint64) *Table {
	t, ok := m.pages[pa]
	if !ok {
		panic(fmt.Sprintf("PageAt: unknown or freed page %#x", pa))
	}
	return t
}
