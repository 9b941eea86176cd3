// Package capability implements the CPU/VMX/EPT/APICv/MCG feature
// registry of spec.md section 4.C: CPUID is read once on the bootstrap
// processor, feature queries are O(1) bit tests against the captured
// snapshot, and init gates on a fixed list of essential predicates.
package capability

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/cpuid"
)

// BitIndex packs a register slot and bit position the way spec.md
// section 4.C describes: (slot << 5) | bit_in_slot. Registry.slots
// holds one raw CPUID register per slot, captured once at Init; HasCap
// answers pcpu_has_cap(bit_index) by testing a single bit within it.
type BitIndex uint16

func MakeBitIndex(slot, bit uint) BitIndex {
	return BitIndex(slot<<5 | bit)
}

func (b BitIndex) slot() uint { return uint(b) >> 5 }
func (b BitIndex) bit() uint  { return uint(b) & 0x1F }

// Slot indices into Registry.slots, one raw CPUID register each. These
// are the leaves spec.md section 4.C names that gvisor's cpuid.Feature
// set does not: leaf 7 is VMX/EPT/APICv-adjacent supervisor-mode
// feature bits gvisor's sandboxed-guest feature list omits, and leaf
// 0xD sub-leaf 1 reports extended-state-save mechanisms (XSAVES/
// XSAVEC) rather than a single named feature. Leaves 15H/16H (TSC/bus
// frequency) are read directly by the timebase package instead of
// through this registry.
const (
	capSlotLeaf1ECX = iota
	capSlotLeaf1EDX
	capSlotLeaf7EBX
	capSlotLeaf7ECX
	capSlotLeaf7EDX
	capSlotLeafDSub1EAX
	capSlotExt1ECX
	capSlotExt1EDX
)

// XSAVESCapBit is leaf 0xD sub-leaf 1, EAX bit 3: XSAVES/XRSTORS and
// IA32_XSS are supported, the compacted extended-state format this
// core's VM-entry/VM-exit FPU/AVX state swap relies on.
var XSAVESCapBit = MakeBitIndex(capSlotLeafDSub1EAX, 3)

// WaitpkgCapBit is leaf 7 sub-leaf 0, ECX bit 5: the WAITPKG
// instruction group (TPAUSE/UMONITOR/UMWAIT) backing IA32_UMWAIT_CTRL.
var WaitpkgCapBit = MakeBitIndex(capSlotLeaf7ECX, 5)

// VMXMSRs holds the raw VMX capability MSRs read during init. Only the
// fields this core actually gates on are modeled; spec.md section 4.C
// names these by role (pinbased, procbased, procbased2, exit, entry).
type VMXMSRs struct {
	Basic       uint64
	PinBased    uint64
	ProcBased   uint64
	ProcBased2  uint64
	ExitCtls    uint64
	EntryCtls   uint64
	EPTVPIDCap  uint64
	FeatureCtrl uint64
	MCGCap      uint64
	CoreCap     uint64
}

// allowed1 implements the VMX "allowed-1" convention: bits 63:32 of a
// VMX capability MSR indicate which control bits may be set. A
// requested bit mask is allowed only when every requested bit is also
// set in the high dword.
func allowed1(msr uint64, mask uint32) bool {
	allowed := uint32(msr >> 32)
	return mask&^allowed == 0
}

// Registry is the immutable post-init capability record.
type Registry struct {
	slots    [8]uint32 // indexed CPUID register slots, per BitIndex.slot()
	leaf1EAX uint32    // raw CPUID(1,0) EAX: stepping/model/family/type/ext family/ext model
	vmx      VMXMSRs
	physBits uint8
	cpuidLevel uint32

	host *cpuid.FeatureSet
}

// MSRReader abstracts RDMSR access so this package is testable without
// privileged hardware access.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// RawCPUIDReader abstracts raw CPUID leaves this package needs beyond
// what gvisor's cpuid.FeatureSet already names (VMX/EPT/APICv bits,
// physical address width, CPUID level).
type RawCPUIDReader interface {
	// CPUIDLevel returns the maximum supported standard CPUID leaf.
	CPUIDLevel() uint32
	// PhysAddrBits returns the physical address width from CPUID
	// 0x80000008, EAX[7:0].
	PhysAddrBits() uint8
	// CPUID returns the eax/ebx/ecx/edx quadruple CPUID produces for
	// the given leaf/subleaf, backing pcpu_has_cap's raw bit tests and
	// family/model platform detection.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
}

// Init reads CPUID/MSR state once (meant to run on the bootstrap
// processor) and returns the immutable Registry.
func Init(raw RawCPUIDReader, msr MSRReader) (*Registry, error) {
	r := &Registry{
		host:       cpuid.HostFeatureSet(),
		cpuidLevel: raw.CPUIDLevel(),
		physBits:   raw.PhysAddrBits(),
	}

	eax1, _, ecx1, edx1 := raw.CPUID(1, 0)
	r.leaf1EAX = eax1
	r.slots[capSlotLeaf1ECX] = ecx1
	r.slots[capSlotLeaf1EDX] = edx1

	_, ebx7, ecx7, edx7 := raw.CPUID(7, 0)
	r.slots[capSlotLeaf7EBX] = ebx7
	r.slots[capSlotLeaf7ECX] = ecx7
	r.slots[capSlotLeaf7EDX] = edx7

	eaxD1, _, _, _ := raw.CPUID(0xD, 1)
	r.slots[capSlotLeafDSub1EAX] = eaxD1

	_, _, ecxExt1, edxExt1 := raw.CPUID(0x8000_0001, 0)
	r.slots[capSlotExt1ECX] = ecxExt1
	r.slots[capSlotExt1EDX] = edxExt1

	var err error
	readOrZero := func(m uint32) uint64 {
		v, e := msr.ReadMSR(m)
		if e != nil && err == nil {
			err = e
		}
		return v
	}

	const (
		msrIA32VMXBasic        = 0x480
		msrIA32VMXPinbasedCtls = 0x481
		msrIA32VMXProcbasedCtls = 0x482
		msrIA32VMXExitCtls     = 0x483
		msrIA32VMXEntryCtls    = 0x484
		msrIA32VMXProcbasedCtls2 = 0x48B
		msrIA32VMXEPTVPIDCap   = 0x48C
		msrIA32FeatureControl  = 0x3A
		msrIA32MCGCap          = 0x179
		msrIA32CoreCapability  = 0xCF
	)

	r.vmx.Basic = readOrZero(msrIA32VMXBasic)
	r.vmx.PinBased = readOrZero(msrIA32VMXPinbasedCtls)
	r.vmx.ProcBased = readOrZero(msrIA32VMXProcbasedCtls)
	r.vmx.ProcBased2 = readOrZero(msrIA32VMXProcbasedCtls2)
	r.vmx.ExitCtls = readOrZero(msrIA32VMXExitCtls)
	r.vmx.EntryCtls = readOrZero(msrIA32VMXEntryCtls)
	r.vmx.EPTVPIDCap = readOrZero(msrIA32VMXEPTVPIDCap)
	r.vmx.FeatureCtrl = readOrZero(msrIA32FeatureControl)
	r.vmx.MCGCap = readOrZero(msrIA32MCGCap)
	r.vmx.CoreCap = readOrZero(msrIA32CoreCapability)

	if err != nil {
		return nil, fmt.Errorf("capability: reading VMX MSRs: %w", err)
	}

	return r, nil
}

// HasFeature reports whether a host CPUID feature (as named by gvisor's
// cpuid package) is present.
func (r *Registry) HasFeature(f cpuid.Feature) bool {
	return r.host.HasFeature(f)
}

// HasCap implements pcpu_has_cap(bit_index): it tests a single bit in
// the raw CPUID register slot captured at Init.
func (r *Registry) HasCap(b BitIndex) bool {
	slot := b.slot()
	if slot >= uint(len(r.slots)) {
		return false
	}
	return r.slots[slot]&(1<<b.bit()) != 0
}

// HasXSAVESCap reports XSAVES/XRSTORS + IA32_XSS support (CPUID leaf
// 0xD sub-leaf 1, EAX bit 3), via pcpu_has_cap.
func (r *Registry) HasXSAVESCap() bool { return r.HasCap(XSAVESCapBit) }

// HasWaitpkgCap reports WAITPKG support (CPUID leaf 7, ECX bit 5), via
// pcpu_has_cap.
func (r *Registry) HasWaitpkgCap() bool { return r.HasCap(WaitpkgCapBit) }

// HasVMXEPTVPIDCap reports whether every bit in mask is set in the
// IA32_VMX_EPT_VPID_CAP MSR.
func (r *Registry) HasVMXEPTVPIDCap(mask uint64) bool {
	return r.vmx.EPTVPIDCap&mask == mask
}

// HasCoreCap reports whether every bit in mask is set in
// IA32_CORE_CAPABILITIES.
func (r *Registry) HasCoreCap(mask uint64) bool {
	return r.vmx.CoreCap&mask == mask
}

// VMXControlAllowed reports whether mask may be set in the named VMX
// control field, per the allowed-1 convention.
func (r *Registry) VMXControlAllowed(field VMXControlField, mask uint32) bool {
	switch field {
	case VMXPinBased:
		return allowed1(r.vmx.PinBased, mask)
	case VMXProcBased:
		return allowed1(r.vmx.ProcBased, mask)
	case VMXProcBased2:
		return allowed1(r.vmx.ProcBased2, mask)
	case VMXExit:
		return allowed1(r.vmx.ExitCtls, mask)
	case VMXEntry:
		return allowed1(r.vmx.EntryCtls, mask)
	default:
		return false
	}
}

type VMXControlField int

const (
	VMXPinBased VMXControlField = iota
	VMXProcBased
	VMXProcBased2
	VMXExit
	VMXEntry
)

const (
	// EPT/VPID capability bits of interest (IA32_VMX_EPT_VPID_CAP).
	EPTVPIDCapInvept    = 1 << 20
	EPTVPIDCapInvvpid   = 1 << 32
	EPTVPIDCapEPT2MB    = 1 << 16
	EPTVPIDCapUnrestGuest = 1 << 6

	featureControlLockBit  = 1 << 0
	featureControlVMXInSMX = 1 << 1
	featureControlVMXOutSMX = 1 << 2

	procBased2EnableEPT = 1 << 1
)

// VMXEnabledInFeatureControl reports whether VMX outside SMX is locked
// enabled in IA32_FEATURE_CONTROL.
func (r *Registry) VMXEnabledInFeatureControl() bool {
	fc := r.vmx.FeatureCtrl
	return fc&featureControlLockBit != 0 && fc&featureControlVMXOutSMX != 0
}

// PhysAddrBits returns the physical address width detected at init.
func (r *Registry) PhysAddrBits() uint8 { return r.physBits }

// CPUIDLevel returns the maximum supported standard CPUID leaf.
func (r *Registry) CPUIDLevel() uint32 { return r.cpuidLevel }

const architecturalMaxPhysBits = 52

// DetectHardwareSupport implements the essential-feature gate of
// spec.md section 4.C: it succeeds only when every essential predicate
// holds.
func (r *Registry) DetectHardwareSupport() error {
	type check struct {
		name string
		ok   bool
	}

	checks := []check{
		{"long mode", r.HasFeature(cpuid.X86FeatureLM)},
		{"SMEP", r.HasFeature(cpuid.X86FeatureSMEP)},
		{"SMAP", r.HasFeature(cpuid.X86FeatureSMAP)},
		{"NX", r.HasFeature(cpuid.X86FeatureNX)},
		{"MTRR", r.HasFeature(cpuid.X86FeatureMTRR)},
		{"CLFLUSHOPT", r.HasFeature(cpuid.X86FeatureCLFLUSHOPT)},
		{"VMX enabled in feature control", r.VMXEnabledInFeatureControl()},
		{"x2APIC", r.HasFeature(cpuid.X86FeatureX2APIC)},
		{"POPCNT", r.HasFeature(cpuid.X86FeaturePOPCNT)},
		{"SSE", r.HasFeature(cpuid.X86FeatureSSE)},
		{"RDRAND", r.HasFeature(cpuid.X86FeatureRDRAND)},
		{"fast-string/ERMS", r.HasFeature(cpuid.X86FeatureERMS)},
		{"EPT", r.VMXControlAllowed(VMXProcBased2, procBased2EnableEPT)},
		{"INVEPT", r.HasVMXEPTVPIDCap(EPTVPIDCapInvept)},
		{"INVVPID", r.HasVMXEPTVPIDCap(EPTVPIDCapInvvpid)},
		{"EPT 2MB", r.HasVMXEPTVPIDCap(EPTVPIDCapEPT2MB)},
		{"unrestricted guest", r.HasVMXEPTVPIDCap(EPTVPIDCapUnrestGuest)},
		{"CPUID level >= 0x15", r.cpuidLevel >= 0x15},
		{"physical address width within architectural maximum", r.physBits <= architecturalMaxPhysBits},
		{"XSAVES extended-state save", r.HasXSAVESCap()},
	}

	if r.physBits > 39 {
		checks = append(checks, check{"1 GiB large pages", r.HasFeature(cpuid.X86FeatureGBPages)})
	}

	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("capability: essential feature missing: %s", c.name)
		}
	}

	return nil
}

// IsAPICvBasicSupported reports whether basic APICv (virtualize APIC
// accesses) is allowed by the procbased2 control.
func (r *Registry) IsAPICvBasicSupported() bool {
	const procBased2VirtAPICAccess = 1 << 0
	return r.VMXControlAllowed(VMXProcBased2, procBased2VirtAPICAccess)
}

// IsAPICvAdvancedSupported reports whether advanced APICv
// (virtual-interrupt-delivery + posted-interrupt processing) is allowed.
func (r *Registry) IsAPICvAdvancedSupported() bool {
	const procBased2VirtInterruptDelivery = 1 << 9
	const pinBasedPostedInterrupt = 1 << 7
	return r.VMXControlAllowed(VMXProcBased2, procBased2VirtInterruptDelivery) &&
		r.VMXControlAllowed(VMXPinBased, pinBasedPostedInterrupt)
}

// IsCMCISupported reports whether the corrected machine-check interrupt
// is supported, per IA32_MCG_CAP bit 10.
func (r *Registry) IsCMCISupported() bool {
	const mcgCapCMCI = 1 << 10
	return r.vmx.MCGCap&mcgCapCMCI != 0
}

// IsLocalMCSupported reports whether local machine-check signaling
// (LMCE) is available, per IA32_MCG_CAP bit 27.
func (r *Registry) IsLocalMCSupported() bool {
	const mcgCapLMCE = 1 << 27
	return r.vmx.MCGCap&mcgCapLMCE != 0
}

// MCBankCount returns the number of machine-check banks from
// IA32_MCG_CAP bits 7:0.
func (r *Registry) MCBankCount() uint8 {
	return uint8(r.vmx.MCGCap & 0xFF)
}

// IsSWErrorRecoverySupported reports IA32_MCG_CAP bit 24 (software
// error recovery support).
func (r *Registry) IsSWErrorRecoverySupported() bool {
	const mcgCapSWErrorRecovery = 1 << 24
	return r.vmx.MCGCap&mcgCapSWErrorRecovery != 0
}

// family/model decodes CPUID(1,0) EAX per the SDM's extended-family/
// extended-model convention: for family 6 or 15, the displayed model
// is (ext_model << 4) | model.
func (r *Registry) family() uint8 {
	family := uint8(r.leaf1EAX>>8) & 0xF
	extFamily := uint8(r.leaf1EAX >> 20)
	if family == 0xF {
		return family + extFamily
	}
	return family
}

func (r *Registry) model() uint8 {
	model := uint8(r.leaf1EAX>>4) & 0xF
	extModel := uint8(r.leaf1EAX>>16) & 0xF
	family := uint8(r.leaf1EAX>>8) & 0xF
	if family == 0x6 || family == 0xF {
		return extModel<<4 | model
	}
	return model
}

const (
	familyP6      = 0x6
	modelApolloLake = 0x5C
)

// IsAPLPlatform reports whether the bootstrap processor is an Apollo
// Lake part (family 6, model 0x5C), decoded from the CPUID(1,0) EAX
// signature captured at Init.
func (r *Registry) IsAPLPlatform() bool {
	return r.family() == familyP6 && r.model() == modelApolloLake
}
