package smpcall

import (
	"sync"
	"testing"
)

type recordingNotifier struct {
	mu       sync.Mutex
	notified []int
}

func (n *recordingNotifier) NotifyCPU(cpu int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, cpu)
}

// autoHandleNotifier simulates a target pCPU servicing its IPI: each
// NotifyCPU spawns a goroutine that calls HandleSMPCall on the
// dispatcher, the way a real target core would upon taking the
// notification vector.
type autoHandleNotifier struct {
	mu       sync.Mutex
	notified []int
	d        *Dispatcher
}

func (n *autoHandleNotifier) NotifyCPU(cpu int) {
	n.mu.Lock()
	n.notified = append(n.notified, cpu)
	n.mu.Unlock()
	go n.d.HandleSMPCall(cpu)
}

func TestSMPCallFunctionRunsOnSelfWithoutNotifying(t *testing.T) {
	notifier := &recordingNotifier{}
	d, err := NewDispatcher(4, notifier)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	var got any
	if err := d.SMPCallFunction(2, CPUMask(2), func(data any) { got = data }, "payload"); err != nil {
		t.Fatalf("SMPCallFunction: %v", err)
	}

	if got != "payload" {
		t.Fatalf("self-target fn did not run, got %v", got)
	}
	if len(notifier.notified) != 0 {
		t.Fatalf("expected no IPI for the invoker's own pCPU, got %v", notifier.notified)
	}
	if d.Pending(2) {
		t.Fatalf("expected no pending bit for a locally-run self call")
	}
}

func TestSMPCallFunctionBlocksUntilAllRemoteTargetsHandled(t *testing.T) {
	notifier := &autoHandleNotifier{}
	d, err := NewDispatcher(8, notifier)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	notifier.d = d

	var mu sync.Mutex
	ran := 0
	fn := func(data any) {
		mu.Lock()
		ran++
		mu.Unlock()
	}

	mask := CPUMask(0, 1, 3, 5)
	if err := d.SMPCallFunction(0, mask, fn, "payload"); err != nil {
		t.Fatalf("SMPCallFunction: %v", err)
	}

	if ran != 4 {
		t.Fatalf("fn ran %d times, want 4 (self + 3 remote targets)", ran)
	}
	for _, cpu := range []int{0, 1, 3, 5} {
		if d.Pending(cpu) {
			t.Fatalf("expected cpu %d's pending bit cleared by the time SMPCallFunction returns", cpu)
		}
	}
}

func TestSMPCallFunctionSkipsInactiveTarget(t *testing.T) {
	notifier := &autoHandleNotifier{}
	d, err := NewDispatcher(4, notifier)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	notifier.d = d
	d.OfflineCPU(2)

	ran := 0
	if err := d.SMPCallFunction(0, CPUMask(2), func(any) { ran++ }, nil); err != nil {
		t.Fatalf("SMPCallFunction: %v", err)
	}

	if ran != 0 {
		t.Fatalf("expected fn not to run on an inactive target, ran=%d", ran)
	}
	if len(notifier.notified) != 0 {
		t.Fatalf("expected no IPI sent to an inactive target, got %v", notifier.notified)
	}
}

func TestHandleSMPCallNoopWithoutPendingCall(t *testing.T) {
	d, err := NewDispatcher(2, &recordingNotifier{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	// Must not panic or block.
	d.HandleSMPCall(0)
	d.HandleSMPCall(1)
}

func TestSMPCallFunctionRejectsOutOfRangeSelf(t *testing.T) {
	d, err := NewDispatcher(2, &recordingNotifier{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.SMPCallFunction(5, CPUMask(0), func(any) {}, nil); err == nil {
		t.Fatalf("expected error for out-of-range self cpu")
	}
}

func TestSMPCallFunctionRejectsMaskOutsideRange(t *testing.T) {
	d, err := NewDispatcher(2, &recordingNotifier{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.SMPCallFunction(0, CPUMask(5), func(any) {}, nil); err == nil {
		t.Fatalf("expected error for a mask naming a cpu outside range")
	}
}

func TestPostedInterruptTableRouting(t *testing.T) {
	p := NewPostedInterruptTable(8)

	if _, ok := p.OwnerOf(3); ok {
		t.Fatalf("expected slot 3 unassigned initially")
	}

	if err := p.SetupPINotification(3, 7); err != nil {
		t.Fatalf("SetupPINotification: %v", err)
	}
	cpu, ok := p.OwnerOf(3)
	if !ok || cpu != 7 {
		t.Fatalf("OwnerOf(3) = (%d,%v), want (7,true)", cpu, ok)
	}

	if err := p.ClearPINotification(3); err != nil {
		t.Fatalf("ClearPINotification: %v", err)
	}
	if _, ok := p.OwnerOf(3); ok {
		t.Fatalf("expected slot 3 unassigned after clear")
	}
}

func TestMSRBitmapDefaultsToFullyIntercepted(t *testing.T) {
	b := NewMSRBitmap()

	read, err := b.IsReadIntercepted(0x10)
	if err != nil {
		t.Fatalf("IsReadIntercepted: %v", err)
	}
	if !read {
		t.Fatalf("expected MSR 0x10 read to be intercepted by default")
	}

	write, err := b.IsWriteIntercepted(0xC0000080)
	if err != nil {
		t.Fatalf("IsWriteIntercepted: %v", err)
	}
	if !write {
		t.Fatalf("expected MSR 0xC0000080 write to be intercepted by default")
	}
}

func TestMSRBitmapOutOfRangeRejected(t *testing.T) {
	b := NewMSRBitmap()
	if _, err := b.IsReadIntercepted(0x8000_0000); err == nil {
		t.Fatalf("expected error for MSR outside addressable ranges")
	}
}

func TestEnableMSRInterceptionAppliesPolicy(t *testing.T) {
	b := NewMSRBitmap()

	policy := Policy{
		MTRR:           []uint32{0x200, 0x201},
		Emulated:       []uint32{0x1B}, // IA32_APIC_BASE
		PMCPassthrough: []uint32{0xC1}, // IA32_PMC0
	}
	if err := b.EnableMSRInterception(policy); err != nil {
		t.Fatalf("EnableMSRInterception: %v", err)
	}

	// The spec requires MTRR MSRs stay intercepted, never passed
	// through, regardless of what list they were named in.
	read, err := b.IsReadIntercepted(0x200)
	if err != nil {
		t.Fatalf("IsReadIntercepted: %v", err)
	}
	if !read {
		t.Fatalf("expected MTRR MSR 0x200 to remain intercepted after policy")
	}

	write, err := b.IsWriteIntercepted(0x1B)
	if err != nil {
		t.Fatalf("IsWriteIntercepted: %v", err)
	}
	if !write {
		t.Fatalf("expected emulated MSR 0x1B write to remain intercepted")
	}

	pmcRead, err := b.IsReadIntercepted(0xC1)
	if err != nil {
		t.Fatalf("IsReadIntercepted: %v", err)
	}
	if pmcRead {
		t.Fatalf("expected passthrough PMC MSR 0xC1 to not be intercepted")
	}

	// An MSR not named by the policy stays at its conservative default.
	stillRead, err := b.IsReadIntercepted(0x277)
	if err != nil {
		t.Fatalf("IsReadIntercepted: %v", err)
	}
	if !stillRead {
		t.Fatalf("expected un-policied MSR 0x277 to remain intercepted")
	}
}

func TestDefaultPolicyInterceptsMTRRAndVariableRange(t *testing.T) {
	b := NewMSRBitmap()
	if err := b.EnableMSRInterception(DefaultPolicy(false, false)); err != nil {
		t.Fatalf("EnableMSRInterception: %v", err)
	}

	for _, msr := range []uint32{msrIA32MTRRCap, msrIA32MTRRDefType, mtrrVariableBase, mtrrVariableBase + 1} {
		read, err := b.IsReadIntercepted(msr)
		if err != nil {
			t.Fatalf("IsReadIntercepted(%#x): %v", msr, err)
		}
		if !read {
			t.Fatalf("expected MTRR MSR %#x to stay intercepted under the default policy", msr)
		}
	}
}

func TestDefaultPolicyGatesPMCAndX2APICOnFlags(t *testing.T) {
	b := NewMSRBitmap()
	if err := b.EnableMSRInterception(DefaultPolicy(true, true)); err != nil {
		t.Fatalf("EnableMSRInterception: %v", err)
	}

	if read, _ := b.IsReadIntercepted(msrIA32PMC0); read {
		t.Fatalf("expected PMC0 passthrough when PMU passthrough is enabled")
	}
	if read, _ := b.IsReadIntercepted(x2apicRangeBase); read {
		t.Fatalf("expected x2APIC base passthrough when x2APIC passthrough is enabled")
	}
	// The ICR override always stays intercepted even with the range
	// passed through.
	if read, _ := b.IsReadIntercepted(x2apicICR); !read {
		t.Fatalf("expected x2APIC ICR to remain intercepted despite range passthrough")
	}
}
