package capability

import "testing"

type fakeRawCPUID struct {
	level    uint32
	physBits uint8
	leaves   map[[2]uint32][4]uint32
}

func (f fakeRawCPUID) CPUIDLevel() uint32  { return f.level }
func (f fakeRawCPUID) PhysAddrBits() uint8 { return f.physBits }

func (f fakeRawCPUID) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	v := f.leaves[[2]uint32{leaf, subleaf}]
	return v[0], v[1], v[2], v[3]
}

type fakeMSR struct {
	values map[uint32]uint64
	err    error
}

func (f fakeMSR) ReadMSR(msr uint32) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.values[msr], nil
}

func TestVMXControlAllowed(t *testing.T) {
	r := &Registry{}
	// allowed-1 dword (bits 63:32) permits bit 0 and bit 1 only.
	r.vmx.ProcBased2 = uint64(0b11) << 32

	if !r.VMXControlAllowed(VMXProcBased2, 0b01) {
		t.Fatalf("bit 0 should be allowed")
	}
	if !r.VMXControlAllowed(VMXProcBased2, 0b11) {
		t.Fatalf("bits 0-1 should be allowed")
	}
	if r.VMXControlAllowed(VMXProcBased2, 0b100) {
		t.Fatalf("bit 2 should not be allowed")
	}
}

func TestHasVMXEPTVPIDCap(t *testing.T) {
	r := &Registry{}
	r.vmx.EPTVPIDCap = EPTVPIDCapInvept | EPTVPIDCapEPT2MB

	if !r.HasVMXEPTVPIDCap(EPTVPIDCapInvept) {
		t.Fatalf("INVEPT should be reported present")
	}
	if r.HasVMXEPTVPIDCap(EPTVPIDCapInvvpid) {
		t.Fatalf("INVVPID should be reported absent")
	}
}

func TestVMXEnabledInFeatureControl(t *testing.T) {
	r := &Registry{}
	r.vmx.FeatureCtrl = featureControlLockBit | featureControlVMXOutSMX
	if !r.VMXEnabledInFeatureControl() {
		t.Fatalf("VMX should be reported enabled")
	}

	r.vmx.FeatureCtrl = featureControlLockBit
	if r.VMXEnabledInFeatureControl() {
		t.Fatalf("VMX should be reported disabled when VMXOUTSMX bit is clear")
	}
}

func TestMCBankCount(t *testing.T) {
	r := &Registry{}
	r.vmx.MCGCap = 12
	if got := r.MCBankCount(); got != 12 {
		t.Fatalf("MCBankCount = %d, want 12", got)
	}
}

func TestInitPropagatesMSRError(t *testing.T) {
	raw := fakeRawCPUID{level: 0x20, physBits: 39}
	msr := fakeMSR{err: errBoom}

	if _, err := Init(raw, msr); err == nil {
		t.Fatalf("expected error from Init when MSR reads fail")
	}
}

type errBoomT struct{}

func (errBoomT) Error() string { return "boom" }

var errBoom = errBoomT{}

func TestHasCapTestsCapturedSlot(t *testing.T) {
	raw := fakeRawCPUID{
		level: 0x20, physBits: 39,
		leaves: map[[2]uint32][4]uint32{
			{7, 0}:    {0, 0, 1 << 5, 0}, // WAITPKG
			{0xD, 1}: {0, 0, 0, 0},      // no XSAVES
		},
	}
	r, err := Init(raw, fakeMSR{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !r.HasWaitpkgCap() {
		t.Fatalf("expected WAITPKG capability present")
	}
	if r.HasXSAVESCap() {
		t.Fatalf("expected XSAVES capability absent")
	}
}

func TestIsAPLPlatformDecodesFamilyModel(t *testing.T) {
	// CPUID(1,0) EAX for family 6 (0x6), model nibble 0xC, extended
	// model 5: displayed model = (5<<4)|0xC = 0x5C.
	eax := uint32(0x6<<8 | 0xC<<4 | 0x5<<16)
	raw := fakeRawCPUID{
		level: 0x20, physBits: 39,
		leaves: map[[2]uint32][4]uint32{{1, 0}: {eax, 0, 0, 0}},
	}
	r, err := Init(raw, fakeMSR{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !r.IsAPLPlatform() {
		t.Fatalf("expected Apollo Lake signature to be recognized")
	}

	other := fakeRawCPUID{
		level: 0x20, physBits: 39,
		leaves: map[[2]uint32][4]uint32{{1, 0}: {uint32(0x6 << 8), 0, 0, 0}},
	}
	r2, err := Init(other, fakeMSR{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if r2.IsAPLPlatform() {
		t.Fatalf("expected non-Apollo-Lake signature to be rejected")
	}
}
