package hvcore

import (
	"errors"
	"testing"

	"github.com/partitionhv/hvcore/internal/hvcore/pagetable"
)

type fakeTimeReader struct{ ticks uint64 }

func (f *fakeTimeReader) Ticks() uint64 { f.ticks++; return f.ticks }
func (f *fakeTimeReader) CPUIDLeaf15H() (uint32, uint32, uint32, bool) {
	return 2, 100, 24_000_000, true
}
func (f *fakeTimeReader) CPUIDLeaf16H() (uint32, bool) { return 0, false }

type fakeCPUID struct{}

func (fakeCPUID) CPUIDLevel() uint32  { return 0x20 }
func (fakeCPUID) PhysAddrBits() uint8 { return 39 }

func (fakeCPUID) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	switch {
	case leaf == 0xD && subleaf == 1:
		return 1 << 3, 0, 0, 0 // XSAVES/XRSTORS + IA32_XSS
	default:
		return 0, 0, 0, 0
	}
}

type fakeMSR struct{}

func (fakeMSR) ReadMSR(msr uint32) (uint64, error) {
	switch msr {
	case 0x48B: // IA32_VMX_PROCBASED_CTLS2 allowed-1: EPT + virt APIC access + virt intr delivery
		return uint64(1<<1|1<<0|1<<9) << 32, nil
	case 0x481: // IA32_VMX_PINBASED_CTLS allowed-1: posted interrupt
		return uint64(1<<7) << 32, nil
	case 0x48C: // IA32_VMX_EPT_VPID_CAP
		return (1 << 20) | (1 << 32) | (1 << 16) | (1 << 6), nil
	case 0x3A: // IA32_FEATURE_CONTROL
		return 0b111, nil
	default:
		return 0, nil
	}
}

type fakeAllocator struct {
	next  uint64
	pages map[uint64]*pagetable.Table
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: pagetable.PageSize4K, pages: make(map[uint64]*pagetable.Table)}
}

func (a *fakeAllocator) AllocPage() (uint64, error) {
	pa := a.next
	a.next += pagetable.PageSize4K
	a.pages[pa] = &pagetable.Table{}
	return pa, nil
}
func (a *fakeAllocator) FreePage(pa uint64) { delete(a.pages, pa) }
func (a *fakeAllocator) PageAt(pa uint64) *pagetable.Table { return a.pages[pa] }

type fakeNotifier struct{ notified []int }

func (n *fakeNotifier) NotifyCPU(cpu int) { n.notified = append(n.notified, cpu) }

func testDependencies() Dependencies {
	return Dependencies{
		TimeReader:        &fakeTimeReader{},
		CPUID:             fakeCPUID{},
		MSR:               fakeMSR{},
		HostPageAllocator: newFakeAllocator(),
		Notifier:          &fakeNotifier{},
		NumCPUs:           4,
	}
}

// newTestCore constructs a Core for tests, skipping when the host this
// test runs on lacks a hardware feature DetectHardwareSupport requires
// (capability.Init reads the real host CPUID via gvisor's
// cpuid.HostFeatureSet regardless of the fake CPUID/MSR readers
// supplied here) — the same accommodation kvm_test.go's
// checkKVMAvailable makes for missing /dev/kvm.
func newTestCore(t *testing.T, cfg CoreConfig, deps Dependencies) *Core {
	t.Helper()
	c, err := NewCore(cfg, deps)
	if err != nil {
		if errors.Is(err, ErrFatal) {
			t.Skipf("host does not satisfy essential hardware features: %v", err)
		}
		t.Fatalf("NewCore: %v", err)
	}
	return c
}

func TestNewCoreWiresAllSubsystems(t *testing.T) {
	c := newTestCore(t, CoreConfig{MaxVMSlots: 4}, testDependencies())

	if c.Time.TickRate() == 0 {
		t.Fatalf("time base not calibrated")
	}
	if c.HostRoot == 0 {
		t.Fatalf("host MMU root not created")
	}
	if c.IRQs == nil || c.SMP == nil || c.PostedIntr == nil || c.MSRBitmap == nil {
		t.Fatalf("expected every subsystem to be wired")
	}
}

func TestNewCoreRejectsOversizedMaxVMSlots(t *testing.T) {
	_, err := NewCore(CoreConfig{MaxVMSlots: maxPostedIntrSlots + 1}, testDependencies())
	if err == nil {
		t.Fatalf("expected error for MaxVMSlots exceeding the posted-interrupt table size")
	}
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	c := newTestCore(t, CoreConfig{MaxVMSlots: 4}, testDependencies())

	irq, err := c.IRQs.RequestIRQ(-1, 0, "test-device", func(int) {})
	if err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	if err := c.PostedIntr.SetupPINotification(1, 3); err != nil {
		t.Fatalf("SetupPINotification: %v", err)
	}
	if err := c.MSRBitmap.PassthroughRead(0x10); err != nil {
		t.Fatalf("PassthroughRead: %v", err)
	}

	snap := c.Capture()

	if _, ok := snap.VectorAssignments[irq]; !ok {
		t.Fatalf("snapshot missing vector assignment for irq %d", irq)
	}

	c2 := newTestCore(t, CoreConfig{MaxVMSlots: 4}, testDependencies())
	if err := c2.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	cpu, ok := c2.PostedIntr.OwnerOf(1)
	if !ok || cpu != 3 {
		t.Fatalf("PostedIntr.OwnerOf(1) = (%d,%v), want (3,true)", cpu, ok)
	}

	intercepted, err := c2.MSRBitmap.IsReadIntercepted(0x10)
	if err != nil {
		t.Fatalf("IsReadIntercepted: %v", err)
	}
	if intercepted {
		t.Fatalf("expected restored bitmap to keep MSR 0x10 passthrough")
	}
}
