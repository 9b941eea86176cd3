package pagetable

// EPT is the Flavor implementing Extended Page Table semantics (the
// guest-physical to host-physical mapping each virtual machine owns).
// Bit layout per the Intel SDM volume 3C, section 28.2.2.
type EPT struct {
	// MemType is the EPT memory-type field (bits 5:3) applied to every
	// leaf this flavor creates; 6 (write-back) is the conventional
	// default for general-purpose guest RAM.
	MemType uint64
}

const (
	eptRead     = 1 << 0
	eptWrite    = 1 << 1
	eptExec     = 1 << 2
	eptMemType  = 0b111 << 3
	eptIgnorePAT = 1 << 6
)

func (EPT) Name() string { return "ept" }

func (EPT) DefaultInteriorRights() uint64 {
	return eptRead | eptWrite | eptExec
}

func (EPT) Present(entry uint64) bool {
	return entry&(eptRead|eptWrite|eptExec) != 0
}

func (EPT) LargePageSupport(level Level, prot uint64) bool {
	return level == Level3 || level == Level2
}

// TweakExeRight applies the default memory type to a newly created
// leaf's protection bits.
func (e EPT) TweakExeRight(prot uint64) uint64 {
	return (prot &^ eptMemType) | (e.MemType << 3 & eptMemType)
}

// RecoverExeRight is the identity transform for EPT: splitting a large
// leaf preserves the exact RWX/memtype bits across all 512 successors.
func (EPT) RecoverExeRight(prot uint64) uint64 { return prot }

// FlushCacheline is a no-op for the same reason as HostMMU.FlushCacheline:
// the actual cache-management instruction belongs to the
// architecture-specific assembly layer, not this portable model.
func (EPT) FlushCacheline(paddr uint64, index int) {}
