package smpcall

import "fmt"

// MSR interception bitmap layout, per the Intel SDM volume 3C section
// 24.6.9: a 4 KiB region split into four 1 KiB quadrants, each quadrant
// addressing 8192 consecutive MSRs (one bit per MSR).
const (
	msrBitmapSize = 4096
	quadrantBytes = 1024
	quadrantMSRs  = quadrantBytes * 8
	lowRangeBase  = 0x0000_0000
	highRangeBase = 0xC000_0000
)

const (
	quadrantReadLow = iota
	quadrantReadHigh
	quadrantWriteLow
	quadrantWriteHigh
)

// Named MSRs the init-time policy below assigns to a fixed class.
// Numbers follow the Intel SDM volume 4 MSR tables.
const (
	msrIA32APICBase       = 0x1B
	msrIA32FeatureControl = 0x3A
	msrIA32TSCAdjust      = 0x3B
	msrIA32BIOSSignID     = 0x8B
	msrIA32SGXLEPubKey0   = 0x8C
	msrIA32SGXLEPubKey1   = 0x8D
	msrIA32SGXLEPubKey2   = 0x8E
	msrIA32SGXLEPubKey3   = 0x8F
	msrIA32SMBase         = 0x9E
	msrIA32PerfStatus     = 0x198
	msrIA32PerfCtl        = 0x199
	msrIA32ThermInterrupt = 0x19B
	msrIA32ThermStatus    = 0x19C
	msrIA32MiscEnable     = 0x1A0
	msrIA32PackageThermInterrupt = 0x1B2
	msrIA32PackageThermStatus    = 0x1B1
	msrIA32EnergyPerfBias = 0x1B0
	msrIA32PlatformID     = 0x17
	msrIA32ArchCapabilities = 0x10A
	msrIA32UmwaitControl  = 0xE1
	msrIA32XSS            = 0xDA0
	msrIA32PM_Enable      = 0x770
	msrIA32HWPCapabilities = 0x771
	msrIA32HWPRequest     = 0x774
	msrIA32PAT            = 0x277
	msrIA32TSCDeadline    = 0x6E0
	msrRAPLPowerUnit      = 0x606

	msrIA32MTRRCap     = 0xFE
	msrIA32MTRRDefType = 0x2FF
	msrMTRRFix64K00000 = 0x250
	msrMTRRFix16K80000 = 0x258
	msrMTRRFix16KA0000 = 0x259
	msrMTRRFix4KC0000  = 0x268 // through 0x26F, eight consecutive fixed-range registers
	mtrrVariableBase   = 0x200 // IA32_MTRR_PHYSBASE0/MASK0 .. PHYSBASE7/MASK7
	mtrrVariableCount  = 16

	msrIA32PMC0       = 0xC1 // through 0xC8, eight general-purpose counters
	msrIA32PerfEvtSel0 = 0x186 // through 0x18D
	msrIA32FixedCtr0  = 0x309 // through 0x30B
	msrIA32FixedCtrCtrl = 0x38D
	msrIA32PerfGlobalStatus  = 0x38E
	msrIA32PerfGlobalCtrl    = 0x38F
	msrIA32PerfGlobalOvfCtrl = 0x390

	x2apicRangeBase = 0x800
	x2apicRangeEnd  = 0x8FF // IA32_X2APIC_EOI .. IA32_X2APIC_SELF_IPI
	x2apicICR       = 0x830

	rdtARangeBase = 0xC8D // IA32_QM_EVTSEL
	rdtARangeEnd  = 0xD92 // last IA32_L2_QOS_MASKn this core recognizes

	msrIA32STAR          = 0xC000_0081
	msrIA32LSTAR         = 0xC000_0082
	msrIA32CSTAR         = 0xC000_0083
	msrIA32FMASK         = 0xC000_0084
	msrIA32KernelGSBase  = 0xC000_0102
	msrIA32TSCAux        = 0xC000_0103
	msrIA32EFER          = 0xC000_0080
)

func msrRange(lo, hi uint32) []uint32 {
	out := make([]uint32, 0, hi-lo+1)
	for m := lo; m <= hi; m++ {
		out = append(out, m)
	}
	return out
}

// EmulatedMSRs are fixed architectural registers this core virtualizes
// in software instead of passing through, so every access traps
// regardless of any other policy: PAT, EFER, the APIC base, feature
// control, the TSC deadline/adjust pair, MISC_ENABLE, the SGX
// launch-enable hash, HWP/P-state control, thermal status/interrupt,
// UMWAIT control, and XSS.
var EmulatedMSRs = []uint32{
	msrIA32PAT, msrIA32EFER, msrIA32APICBase, msrIA32FeatureControl,
	msrIA32TSCDeadline, msrIA32TSCAdjust, msrIA32MiscEnable,
	msrIA32SGXLEPubKey0, msrIA32SGXLEPubKey1, msrIA32SGXLEPubKey2, msrIA32SGXLEPubKey3,
	msrIA32PM_Enable, msrIA32HWPCapabilities, msrIA32HWPRequest,
	msrIA32PerfCtl, msrIA32PerfStatus,
	msrIA32ThermStatus, msrIA32ThermInterrupt,
	msrIA32PackageThermStatus, msrIA32PackageThermInterrupt,
	msrIA32UmwaitControl, msrIA32XSS,
}

// MTRRMSRs are the capability/default-type and fixed-range MTRR
// registers. spec.md requires these stay intercepted: EPT's own memory
// typing makes guest-programmed MTRRs unnecessary, so passthrough is
// never correct for them regardless of any hardware capability.
var MTRRMSRs = []uint32{
	msrIA32MTRRCap, msrIA32MTRRDefType,
	msrMTRRFix64K00000, msrMTRRFix16K80000, msrMTRRFix16KA0000,
	msrMTRRFix4KC0000, msrMTRRFix4KC0000 + 1, msrMTRRFix4KC0000 + 2, msrMTRRFix4KC0000 + 3,
	msrMTRRFix4KC0000 + 4, msrMTRRFix4KC0000 + 5, msrMTRRFix4KC0000 + 6, msrMTRRFix4KC0000 + 7,
}

// MTRRVariableUnsupportedMSRs are the variable-range MTRR base/mask
// pairs. This core does not support guest-programmed variable MTRRs at
// all, so they stay intercepted and the VM-exit handler answers with
// an access-denied emulation rather than real hardware state.
var MTRRVariableUnsupportedMSRs = msrRange(mtrrVariableBase, mtrrVariableBase+mtrrVariableCount-1)

// PMCMSRs are the performance-monitoring counter, event-select, and
// global-control registers, passed through only when CoreConfig.
// PMUPassthrough requests low-overhead guest profiling.
var PMCMSRs = append(append(
	msrRange(msrIA32PMC0, msrIA32PMC0+7),
	msrRange(msrIA32PerfEvtSel0, msrIA32PerfEvtSel0+7)...),
	msrIA32FixedCtr0, msrIA32FixedCtr0+1, msrIA32FixedCtr0+2,
	msrIA32FixedCtrCtrl, msrIA32PerfGlobalStatus, msrIA32PerfGlobalCtrl, msrIA32PerfGlobalOvfCtrl,
)

// X2APICOverrideIntercept names x2APIC registers that stay intercepted
// even when the rest of the x2APIC range is passed through: ICR
// carries IPI semantics that posted-interrupt routing must continue to
// mediate in software.
var X2APICOverrideIntercept = []uint32{x2apicICR}

// UnsupportedMSRs are registers this core does not model at all, kept
// explicitly intercepted (matching the bitmap's default, named here so
// the policy documents the decision rather than relying on an implicit
// fallback).
var UnsupportedMSRs = []uint32{
	msrIA32PlatformID, msrIA32BIOSSignID, msrRAPLPowerUnit,
	msrIA32SMBase, msrIA32ArchCapabilities, msrIA32EnergyPerfBias,
}

// RDTAMSRs spans the entire RDT-A (resource director technology
// allocation) register range, which this core does not virtualize.
var RDTAMSRs = msrRange(rdtARangeBase, rdtARangeEnd)

// AutoSaveRestoreMSRs are registers synchronized through the VMCS
// VM-entry/VM-exit MSR load/store areas rather than emulated per
// access: hardware saves and restores them across every VM transition,
// so the guest may read and write them directly between transitions.
var AutoSaveRestoreMSRs = []uint32{
	msrIA32STAR, msrIA32LSTAR, msrIA32CSTAR, msrIA32FMASK,
	msrIA32KernelGSBase, msrIA32TSCAux,
}

// MSRBitmap is the bit-exact VMX MSR interception bitmap. It is handed
// directly to the VMCS MSR-bitmap-address field in the production
// build; this type owns only its byte layout and the read/write
// accessors, not the VMCS plumbing.
type MSRBitmap struct {
	data [msrBitmapSize]byte
}

// NewMSRBitmap returns a bitmap with every MSR intercepted on both read
// and write, the conservative default spec.md requires before any
// policy is applied.
func NewMSRBitmap() *MSRBitmap {
	b := &MSRBitmap{}
	for i := range b.data {
		b.data[i] = 0xFF
	}
	return b
}

// quadrantAndOffset maps an MSR number to its (quadrant, byte, bit)
// location, or ok=false if the MSR falls outside both addressable
// ranges.
func quadrantAndOffset(msr uint32, wantWrite bool) (quadrant int, byteOff int, bit uint, ok bool) {
	var base int
	switch {
	case msr >= lowRangeBase && msr < lowRangeBase+quadrantMSRs:
		base = int(msr - lowRangeBase)
		quadrant = quadrantReadLow
	case msr >= highRangeBase && msr < highRangeBase+quadrantMSRs:
		base = int(msr - highRangeBase)
		quadrant = quadrantReadHigh
	default:
		return 0, 0, 0, false
	}

	if wantWrite {
		quadrant += 2 // write-low/write-high follow read-low/read-high
	}

	return quadrant, base / 8, uint(base % 8), true
}

func (b *MSRBitmap) set(msr uint32, wantWrite bool, intercept bool) error {
	quadrant, byteOff, bit, ok := quadrantAndOffset(msr, wantWrite)
	if !ok {
		return fmt.Errorf("smpcall: MSR %#x is outside the addressable bitmap ranges", msr)
	}

	idx := quadrant*quadrantBytes + byteOff
	if intercept {
		b.data[idx] |= 1 << bit
	} else {
		b.data[idx] &^= 1 << bit
	}
	return nil
}

// InterceptRead/InterceptWrite force VM exits on RDMSR/WRMSR of msr.
func (b *MSRBitmap) InterceptRead(msr uint32) error  { return b.set(msr, false, true) }
func (b *MSRBitmap) InterceptWrite(msr uint32) error { return b.set(msr, true, true) }

// PassthroughRead/PassthroughWrite let the guest execute RDMSR/WRMSR of
// msr directly without a VM exit.
func (b *MSRBitmap) PassthroughRead(msr uint32) error  { return b.set(msr, false, false) }
func (b *MSRBitmap) PassthroughWrite(msr uint32) error { return b.set(msr, true, false) }

// IsReadIntercepted/IsWriteIntercepted report the current bit, for
// tests and diagnostics.
func (b *MSRBitmap) IsReadIntercepted(msr uint32) (bool, error) {
	return b.test(msr, false)
}

func (b *MSRBitmap) IsWriteIntercepted(msr uint32) (bool, error) {
	return b.test(msr, true)
}

func (b *MSRBitmap) test(msr uint32, wantWrite bool) (bool, error) {
	quadrant, byteOff, bit, ok := quadrantAndOffset(msr, wantWrite)
	if !ok {
		return false, fmt.Errorf("smpcall: MSR %#x is outside the addressable bitmap ranges", msr)
	}
	idx := quadrant*quadrantBytes + byteOff
	return b.data[idx]&(1<<bit) != 0, nil
}

// Policy names the fixed MSR classes spec.md section 4.F's "policy at
// init" assigns at boot. Every list here is drawn from the package-level
// MSR tables above (EmulatedMSRs, MTRRMSRs, ...); DefaultPolicy builds
// the policy NewCore actually installs. A Policy is still accepted as a
// plain struct so tests can exercise narrower slices directly.
type Policy struct {
	// Emulated are MSRs this core virtualizes in software; both read
	// and write stay intercepted regardless of any other policy.
	Emulated []uint32

	// MTRR and MTRRVariableUnsupported are MTRR MSRs that must never be
	// passed through: EPT memory typing replaces them entirely, and the
	// variable-range registers are not modeled at all.
	MTRR                    []uint32
	MTRRVariableUnsupported []uint32

	// PMCPassthrough lists performance-counter MSRs passed through for
	// low-overhead guest profiling, gated on CoreConfig.PMUPassthrough.
	PMCPassthrough []uint32

	// X2APICPassthrough lists x2APIC MSR-interface registers passed
	// through when virtual-interrupt delivery makes the register
	// itself safe to expose directly; X2APICOverrideIntercept is
	// re-applied afterward regardless of what this list contains.
	X2APICPassthrough []uint32

	// Unsupported and RDTA are registers this core does not model;
	// they are named explicitly rather than relying on the bitmap's
	// implicit intercepted-by-default behavior.
	Unsupported []uint32
	RDTA        []uint32

	// AutoSaveRestore lists MSRs synced through the VMCS VM-entry/
	// VM-exit MSR load/store areas, passed through since hardware
	// keeps them consistent across every VM transition.
	AutoSaveRestore []uint32
}

// DefaultPolicy builds the init-time MSR policy spec.md section 4.F
// mandates. pmuPassthrough gates the performance-counter list on
// CoreConfig.PMUPassthrough; x2APICPassthrough gates the x2APIC range
// on the core's APICv mode (see core.go's NewCore).
func DefaultPolicy(pmuPassthrough, x2APICPassthrough bool) Policy {
	p := Policy{
		Emulated:                EmulatedMSRs,
		MTRR:                    MTRRMSRs,
		MTRRVariableUnsupported: MTRRVariableUnsupportedMSRs,
		Unsupported:             UnsupportedMSRs,
		RDTA:                    RDTAMSRs,
		AutoSaveRestore:         AutoSaveRestoreMSRs,
	}
	if pmuPassthrough {
		p.PMCPassthrough = PMCMSRs
	}
	if x2APICPassthrough {
		p.X2APICPassthrough = msrRange(x2apicRangeBase, x2apicRangeEnd)
	}
	return p
}

// EnableMSRInterception applies policy to b, starting from the
// all-intercepted default. Emulated/MTRR/MTRRVariableUnsupported/
// Unsupported/RDTA are (re-)marked intercepted on both read and write;
// PMCPassthrough/X2APICPassthrough/AutoSaveRestore get full passthrough.
// X2APICOverrideIntercept is re-applied last so it always wins over
// X2APICPassthrough, no matter the order policy's lists were built in.
func (b *MSRBitmap) EnableMSRInterception(policy Policy) error {
	intercept := func(msrs []uint32) error {
		for _, msr := range msrs {
			if err := b.InterceptRead(msr); err != nil {
				return err
			}
			if err := b.InterceptWrite(msr); err != nil {
				return err
			}
		}
		return nil
	}
	passthrough := func(msrs []uint32) error {
		for _, msr := range msrs {
			if err := b.PassthroughRead(msr); err != nil {
				return err
			}
			if err := b.PassthroughWrite(msr); err != nil {
				return err
			}
		}
		return nil
	}

	for _, msrs := range [][]uint32{policy.Emulated, policy.MTRR, policy.MTRRVariableUnsupported, policy.Unsupported, policy.RDTA} {
		if err := intercept(msrs); err != nil {
			return err
		}
	}
	for _, msrs := range [][]uint32{policy.PMCPassthrough, policy.X2APICPassthrough, policy.AutoSaveRestore} {
		if err := passthrough(msrs); err != nil {
			return err
		}
	}
	return intercept(X2APICOverrideIntercept)
}

// Bytes returns the raw 4 KiB bitmap for installation into the VMCS
// MSR-bitmap-address field.
func (b *MSRBitmap) Bytes() []byte {
	return b.data[:]
}
