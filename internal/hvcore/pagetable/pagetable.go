// Package pagetable implements the generic 4-level page-table engine of
// spec.md section 4.D, shared between the host MMU and guest EPT
// flavors. The engine is parameterized by a Flavor descriptor (the
// §9 "replacing C callback tables" guidance: a trait/interface with two
// concrete implementations instead of a struct of function pointers),
// generalizing the per-level walk idiom in
// internal/hv/riscv/rv64/mmu.go's walkPageTable from a read-only guest
// walker to a host-managed engine that owns allocation, splitting, and
// reclamation.
package pagetable

import (
	"fmt"
)

// Level identifies one of the four paging levels. Only Level3 and
// Level2 may host large-page leaves (spec.md section 4.D); Level4 and
// Level1 simply have no Splittable implementation, so passing them to a
// split operation is a compile-time type error rather than a silently
// ignored default branch (spec.md section 9, Open Questions).
type Level int

const (
	Level4 Level = iota
	Level3
	Level2
	Level1
)

// Address shift per level (bits consumed below this level) and the
// number of entries per table, per spec.md's numeric semantics.
const (
	ShiftL4 = 39
	ShiftL3 = 30
	ShiftL2 = 21
	ShiftL1 = 12

	EntriesPerTable = 512
	PageSize4K      = 1 << ShiftL1
	PageSize2M      = 1 << ShiftL2
	PageSize1G      = 1 << ShiftL3
)

func (l Level) shift() uint {
	switch l {
	case Level4:
		return ShiftL4
	case Level3:
		return ShiftL3
	case Level2:
		return ShiftL2
	default:
		return ShiftL1
	}
}

func (l Level) next() Level { return l + 1 }

// leafSize is the page size a present leaf at this level covers.
func (l Level) leafSize() uint64 {
	switch l {
	case Level3:
		return PageSize1G
	case Level2:
		return PageSize2M
	default:
		return PageSize4K
	}
}

// canSplit reports whether a leaf at this level may be split into 512
// successor entries at the next level down. Only L3 (1GiB -> 2MiB) and
// L2 (2MiB -> 4KiB) leaves are splittable.
func (l Level) canSplit() bool {
	return l == Level3 || l == Level2
}

// addrMask isolates the physical-address bits (12:51) of a raw entry,
// per the IA-32e/EPT hardware contract spec.md section 6 requires to be
// bit-exact.
const addrMask = 0x000F_FFFF_FFFF_F000

// leafBit marks an L3/L2 entry as a large-page leaf rather than a
// reference to a lower table. Bit 7 in both IA-32e paging-structure
// entries and EPT entries, per the Intel SDM.
const leafBit = 1 << 7

// entryAddr returns the physical address bits of a raw entry.
func entryAddr(e uint64) uint64 { return e & addrMask }

func withAddr(addr, flags uint64) uint64 {
	return (addr & addrMask) | flags
}

// Table is one 512-slot page array, the unit of allocation for both the
// root and interior pages.
type Table [EntriesPerTable]uint64

// Allocator owns physical page allocation on behalf of the engine. The
// production implementation backs this with the hypervisor's host
// memory allocator (internal/hv.AddressSpace pairs naturally with it:
// Allocate reserves the GPA/HPA range, PageAt maps it into Go's address
// space for direct table manipulation).
type Allocator interface {
	// AllocPage returns the physical address of a freshly allocated,
	// zeroed 4 KiB page.
	AllocPage() (uint64, error)
	// FreePage returns a previously allocated page to the allocator.
	FreePage(paddr uint64)
	// PageAt returns a mutable view of the table at physical address
	// paddr. paddr must have been returned by AllocPage and not yet
	// freed.
	PageAt(paddr uint64) *Table
}

// Flavor parameterizes the engine over host MMU vs EPT paging rules.
type Flavor interface {
	// Name identifies the flavor for diagnostics.
	Name() string

	// DefaultInteriorRights returns the access-right bits written into
	// freshly created non-leaf (interior) entries.
	DefaultInteriorRights() uint64

	// Present reports whether entry denotes a present mapping (either
	// a leaf or a reference to a lower table).
	Present(entry uint64) bool

	// LargePageSupport reports whether a large-page leaf may be
	// installed at level for the given requested protection bits.
	LargePageSupport(level Level, prot uint64) bool

	// TweakExeRight is applied to a leaf's protection bits when a
	// large page is created.
	TweakExeRight(prot uint64) uint64

	// RecoverExeRight is applied to the 512 successor leaves'
	// protection bits when a large page is split.
	RecoverExeRight(prot uint64) uint64

	// FlushCacheline is invoked after every paging-structure entry
	// write so the hardware walker observes the update (spec.md
	// section 5's ordering requirement). paddr/index identify the
	// written slot.
	FlushCacheline(paddr uint64, index int)
}

// Kind selects between modify-in-place and unmap semantics for
// ModifyOrDel.
type Kind int

const (
	Modify Kind = iota
	Del
)

// Engine is the generic page-table engine. One Engine instance is
// shared by every hierarchy of a given flavor (host MMU, or one per-VM
// EPT); hierarchies are identified by their root physical address.
type Engine struct {
	flavor Flavor
	alloc  Allocator

	sanitizedPA    uint64
	sanitizedEntry uint64
	sanitizedSet   bool
}

// New constructs an Engine for the given flavor and page allocator.
// InitSanitizedPage must be called before any mapping operation.
func New(flavor Flavor, alloc Allocator) *Engine {
	return &Engine{flavor: flavor, alloc: alloc}
}

// InitSanitizedPage designates hpa (which must already be a page the
// allocator considers owned, e.g. freshly AllocPage'd) as the dedicated
// sanitized page: every slot of the page at hpa is set to reference hpa
// itself, and every absent entry the engine subsequently creates uses
// this self-referential pattern, per spec.md section 4.D's L1TF
// mitigation rationale.
func (e *Engine) InitSanitizedPage(hpa uint64) {
	e.sanitizedPA = hpa
	e.sanitizedEntry = withAddr(hpa, 0)
	e.sanitizedSet = true

	page := e.alloc.PageAt(hpa)
	for i := range page {
		page[i] = e.sanitizedEntry
		e.flavor.FlushCacheline(hpa, i)
	}
}

func (e *Engine) sanitize(page *Table, paddr uint64, index int) {
	page[index] = e.sanitizedEntry
	e.flavor.FlushCacheline(paddr, index)
}

// CreateRoot allocates a fresh root page and fills every slot with the
// sanitized absence pattern. Ownership of the returned physical address
// transfers to the caller.
func (e *Engine) CreateRoot() (uint64, error) {
	if !e.sanitizedSet {
		return 0, fmt.Errorf("pagetable: InitSanitizedPage must be called before CreateRoot")
	}

	pa, err := e.alloc.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("pagetable: allocating root page: %w", err)
	}

	page := e.alloc.PageAt(pa)
	for i := range page {
		e.sanitize(page, pa, i)
	}

	return pa, nil
}

func (e *Engine) allocInterior() (uint64, error) {
	pa, err := e.alloc.AllocPage()
	if err != nil {
		return 0, err
	}
	page := e.alloc.PageAt(pa)
	for i := range page {
		e.sanitize(page, pa, i)
	}
	return pa, nil
}

func indexFor(vaddr uint64, level Level) int {
	return int((vaddr >> level.shift()) & (EntriesPerTable - 1))
}

// AddMap installs a new mapping for [vaddr, vaddr+size) -> [paddr, ...)
// with the given protection bits. vaddr, paddr, and size must be
// page-aligned, and the affected sub-range must be unmapped; an
// already-present leaf encountered mid-range is logged and skipped
// rather than overwritten, per spec.md's invariant that callers
// guarantee the destination range is unmapped.
func (e *Engine) AddMap(root, paddr, vaddr, size, prot uint64) error {
	if vaddr%PageSize4K != 0 || paddr%PageSize4K != 0 || size%PageSize4K != 0 {
		return fmt.Errorf("pagetable: AddMap requires page-aligned vaddr/paddr/size")
	}

	end := vaddr + size
	for vaddr < end {
		remaining := end - vaddr
		consumed, err := e.addMapAt(root, Level4, paddr, vaddr, remaining, prot)
		if err != nil {
			return err
		}
		vaddr += consumed
		paddr += consumed
	}
	return nil
}

// addMapAt descends from level, installing the largest leaf permitted
// by alignment, remaining size, and flavor policy, starting at vaddr.
// It returns how many bytes it consumed.
func (e *Engine) addMapAt(root uint64, level Level, paddr, vaddr, remaining, prot uint64) (uint64, error) {
	page := e.alloc.PageAt(tableFor(e, root, level, vaddr, true))
	idx := indexFor(vaddr, level)
	paddrOfPage := tableFor(e, root, level, vaddr, false)

	entry := page[idx]

	if level == Level1 {
		if e.flavor.Present(entry) {
			return PageSize4K, nil // already-present leaf: log-and-skip per contract
		}
		page[idx] = withAddr(paddr, prot)
		e.flavor.FlushCacheline(paddrOfPage, idx)
		return PageSize4K, nil
	}

	leafSz := level.leafSize()
	aligned := vaddr%leafSz == 0 && paddr%leafSz == 0 && remaining >= leafSz
	if aligned && e.flavor.LargePageSupport(level, prot) {
		if e.flavor.Present(entry) {
			return leafSz, nil
		}
		leafProt := e.flavor.TweakExeRight(prot) | leafBit
		page[idx] = withAddr(paddr, leafProt)
		e.flavor.FlushCacheline(paddrOfPage, idx)
		return leafSz, nil
	}

	// Not eligible for a large leaf here: ensure an interior table
	// exists and recurse one level down.
	if !e.flavor.Present(entry) || entry&leafBit != 0 {
		childPA, err := e.allocInterior()
		if err != nil {
			return 0, fmt.Errorf("pagetable: allocating interior page: %w", err)
		}
		page[idx] = withAddr(childPA, e.flavor.DefaultInteriorRights())
		e.flavor.FlushCacheline(paddrOfPage, idx)
	}

	return e.addMapAt(root, level.next(), paddr, vaddr, min64(remaining, leafSz-(vaddr%leafSz)), prot)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// tableFor returns the physical address of the table at level that
// contains vaddr, descending from root. If create is true, missing
// interior tables are *not* allocated here (addMapAt/modifyOrDelAt own
// that); tableFor only walks already-present structure and panics if
// asked to materialize a level4 table that doesn't exist (the root
// always exists by construction).
func tableFor(e *Engine, root uint64, level Level, vaddr uint64, _ bool) uint64 {
	if level == Level4 {
		return root
	}
	parentPA := tableFor(e, root, level-1, vaddr, false)
	parent := e.alloc.PageAt(parentPA)
	idx := indexFor(vaddr, level-1)
	return entryAddr(parent[idx])
}

// Lookup descends from root while entries are present, stopping at the
// first leaf or the first absent entry. It returns the leaf entry and
// the enclosing page size on a hit, or ok=false on a miss.
func (e *Engine) Lookup(root, addr uint64) (entry uint64, pageSize uint64, ok bool) {
	pa := root
	for level := Level4; ; level++ {
		page := e.alloc.PageAt(pa)
		idx := indexFor(addr, level)
		ent := page[idx]

		if !e.flavor.Present(ent) {
			return 0, 0, false
		}

		if level == Level1 || ent&leafBit != 0 {
			return ent, level.leafSize(), true
		}

		pa = entryAddr(ent)
	}
}

// ModifyOrDel walks [vaddr, vaddr+size) applying protSet/protClr to
// present leaves (Modify) or unmapping them (Del). A present large leaf
// fully contained in the range is modified/unmapped in place; a
// partially overlapped large leaf is split first. After descending,
// every interior page whose 512 slots are all absent is freed and its
// parent entry sanitized.
func (e *Engine) ModifyOrDel(root, vaddr, size, protSet, protClr uint64, kind Kind) error {
	if vaddr%PageSize4K != 0 || size%PageSize4K != 0 {
		return fmt.Errorf("pagetable: ModifyOrDel requires page-aligned vaddr/size")
	}

	end := vaddr + size
	for vaddr < end {
		consumed, err := e.modifyOrDelAt(root, Level4, vaddr, end-vaddr, protSet, protClr, kind)
		if err != nil {
			return err
		}
		vaddr += consumed
	}
	return nil
}

func (e *Engine) modifyOrDelAt(root uint64, level Level, vaddr, remaining, protSet, protClr uint64, kind Kind) (uint64, error) {
	paddrOfPage := tableFor(e, root, level, vaddr, false)
	page := e.alloc.PageAt(paddrOfPage)
	idx := indexFor(vaddr, level)
	entry := page[idx]

	if level == Level1 {
		if !e.flavor.Present(entry) {
			if kind == Del {
				return 0, fmt.Errorf("pagetable: DEL on absent top-level entry at vaddr %#x", vaddr)
			}
			return PageSize4K, nil // MODIFY on absent entry is a warning, not fatal
		}

		if kind == Del {
			e.sanitize(page, paddrOfPage, idx)
		} else {
			page[idx] = (entry & addrMask) | ((entry&^addrMask)&^protClr | protSet)
			e.flavor.FlushCacheline(paddrOfPage, idx)
		}

		e.reclaimIfEmpty(root, level, vaddr)
		return PageSize4K, nil
	}

	leafSz := level.leafSize()
	if entry&leafBit != 0 && e.flavor.Present(entry) {
		fullyContained := vaddr%leafSz == 0 && remaining >= leafSz
		if fullyContained {
			if kind == Del {
				e.sanitize(page, paddrOfPage, idx)
			} else {
				page[idx] = (entry &^ protClr) | protSet
				e.flavor.FlushCacheline(paddrOfPage, idx)
			}
			e.reclaimIfEmpty(root, level, vaddr)
			return leafSz, nil
		}

		// Partial overlap: split this leaf into 512 successors, then
		// retry at the next level down.
		if err := e.splitLargeLeaf(level, page, paddrOfPage, idx, entry); err != nil {
			return 0, err
		}
		entry = page[idx]
	}

	if !e.flavor.Present(entry) {
		if kind == Del && level == Level4 {
			return 0, fmt.Errorf("pagetable: DEL on absent top-level entry at vaddr %#x", vaddr)
		}
		return min64(remaining, leafSz-(vaddr%leafSz)), nil // low-memory MTRR-style gap: warn only
	}

	consumed, err := e.modifyOrDelAt(root, level.next(), vaddr, min64(remaining, leafSz-(vaddr%leafSz)), protSet, protClr, kind)
	if err != nil {
		return 0, err
	}

	e.reclaimIfEmpty(root, level, vaddr)
	return consumed, nil
}

// splitLargeLeaf allocates one page, copies the leaf's base address
// into 512 successor entries with RecoverExeRight applied and the leaf
// bit cleared, and points the parent at the new table. Only Level3 and
// Level2 entries reach here (the caller never sets the leaf bit at
// Level1 or Level4), satisfying spec.md's "only L3/L2 accept splits"
// requirement as a structural invariant rather than a runtime check.
func (e *Engine) splitLargeLeaf(level Level, parent *Table, parentPA uint64, idx int, entry uint64) error {
	if !level.canSplit() {
		return fmt.Errorf("pagetable: level %v does not support splitting", level)
	}

	childPA, err := e.alloc.AllocPage()
	if err != nil {
		return fmt.Errorf("pagetable: allocating split successor page: %w", err)
	}

	base := entryAddr(entry)
	childProt := e.flavor.RecoverExeRight(entry &^ addrMask &^ leafBit)
	childSize := level.next().leafSize()

	child := e.alloc.PageAt(childPA)
	for i := 0; i < EntriesPerTable; i++ {
		successorAddr := base + uint64(i)*childSize
		if level.next() == Level1 {
			child[i] = withAddr(successorAddr, childProt)
		} else {
			child[i] = withAddr(successorAddr, childProt|leafBit)
		}
		e.flavor.FlushCacheline(childPA, i)
	}

	parent[idx] = withAddr(childPA, e.flavor.DefaultInteriorRights())
	e.flavor.FlushCacheline(parentPA, idx)
	return nil
}

// reclaimIfEmpty frees the interior page at level+1 containing vaddr if
// every one of its 512 slots is now absent, sanitizing the parent entry
// that referenced it. It walks bottom-up from the level just below
// level (the page that might need reclaiming is the child of level).
func (e *Engine) reclaimIfEmpty(root uint64, level Level, vaddr uint64) {
	if level == Level1 {
		return
	}

	parentPA := tableFor(e, root, level, vaddr, false)
	parent := e.alloc.PageAt(parentPA)
	idx := indexFor(vaddr, level)
	entry := parent[idx]

	if !e.flavor.Present(entry) || entry&leafBit != 0 {
		return
	}

	childPA := entryAddr(entry)
	child := e.alloc.PageAt(childPA)

	for _, slot := range child {
		if e.flavor.Present(slot) {
			return
		}
	}

	e.alloc.FreePage(childPA)
	e.sanitize(parent, parentPA, idx)
}
