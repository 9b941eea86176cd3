// Package irqcore implements the IRQ descriptor table and vector
// allocator of spec.md section 4.E: a fixed-size IRQ space, a static
// mapping for architectural vectors, a dynamic bitmap allocator for the
// rest, and dispatch with pre/post hooks and spurious-interrupt
// handling. Grounded on the routing-table idiom of
// internal/hv/kvm/kvm_gsi.go's initGSIRouting (a fixed GSI->vector
// table built once at init) generalized from a one-shot KVM ioctl
// payload into a live, mutable descriptor table the core itself owns
// and dispatches through.
package irqcore

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/partitionhv/hvcore/internal/debug"
	"github.com/partitionhv/hvcore/internal/hvcore/bitops"
	"github.com/partitionhv/hvcore/internal/hvcore/bitops/spinlock"
	"github.com/partitionhv/hvcore/internal/timeslice"
)

// NRIRQs is the fixed size of the IRQ descriptor table, per spec.md's
// numeric semantics.
const NRIRQs = 256

// Dynamic vector allocation range: [VectorDynamicStart, VectorDynamicEnd].
const (
	VectorDynamicStart = 0x20
	VectorDynamicEnd   = 0xDF
)

// Static vector assignments, reserved outside the dynamic range.
const (
	VectorLocalTimer  = 0xE0
	VectorSMPCall     = 0xE1
	VectorPMU         = 0xE2
	VectorThermal     = 0xE3
	VectorCMCI        = 0xE4
	VectorPostedIntrBase = 0xE5
)

// numStaticIRQs is the count of always-reserved architectural IRQs
// (local timer, SMP call, PMU, thermal, CMCI) that initInterrupt
// installs before any posted-interrupt or dynamic allocation happens.
const numStaticIRQs = 5

// TriggerMode selects edge- or level-triggered semantics for an IRQ.
type TriggerMode int

const (
	TriggerEdge TriggerMode = iota
	TriggerLevel
)

// Handler is invoked when do_irq dispatches to an IRQ whose descriptor
// is in use. It returns an error only for diagnostics; the dispatch
// loop always completes (mirrors "handlers don't fail the dispatch,
// they log").
type Handler func(irq int)

// Hook runs immediately before/after a handler during dispatch.
type Hook func(irq int)

type descriptor struct {
	inUse   bool
	vector  uint32
	trigger TriggerMode
	handler Handler
	name    string
}

var timesliceDispatch = timeslice.RegisterKind("irqcore.dispatch", 0)

// Table is the IRQ descriptor table. One Table exists per core; IRQ
// numbers are a flat space shared by every vCPU, per spec.md.
type Table struct {
	mu spinlock.TicketLock

	descs [NRIRQs]descriptor

	// allocBitmap tracks which of the NRIRQs slots have been reserved
	// (by request_irq or reserve_irq_num), independent of whether a
	// handler is currently installed.
	allocBitmap [NRIRQs / 64]atomicbitops.Uint64

	// vectorToIRQ maintains the vector<->IRQ bijection for the dynamic
	// range; static vectors are looked up directly against their
	// fixed IRQ numbers below.
	vectorToIRQ map[uint32]int

	preHook  Hook
	postHook Hook

	spurious      atomicbitops.Uint64
	spuriousByVec map[uint32]*atomicbitops.Uint64
}

// New constructs an empty descriptor table with the static vector
// assignments pre-reserved so request_irq can never hand them out.
func New() *Table {
	t := &Table{
		vectorToIRQ:   make(map[uint32]int),
		spuriousByVec: make(map[uint32]*atomicbitops.Uint64),
	}
	t.initInterrupt()
	return t
}

// initInterrupt is the init_interrupt() equivalent: it reserves the
// static IRQ/vector assignments before any dynamic allocation happens.
func (t *Table) initInterrupt() {
	static := []struct {
		irq    int
		vector uint32
		name   string
	}{
		{0, VectorLocalTimer, "local-timer"},
		{1, VectorSMPCall, "smp-call"},
		{2, VectorPMU, "pmu"},
		{3, VectorThermal, "thermal"},
		{4, VectorCMCI, "cmci"},
	}

	for _, s := range static {
		t.reserveLocked(s.irq)
		t.descs[s.irq].vector = s.vector
		t.descs[s.irq].name = s.name
		var counter atomicbitops.Uint64
		t.spuriousByVec[s.vector] = &counter
	}

	debug.Writef("irqcore init_interrupt", "reserved %d static IRQs", len(static))
}

// ReservePostedIntrIRQs reserves n static IRQ/vector pairs for posted-
// interrupt notification, one per configured VM slot, at IRQ numbers
// [NRIRQs-5-n, NRIRQs-6] mapped ascending to vectors
// [VectorPostedIntrBase, VectorPostedIntrBase+n-1]. It must run once
// during core bring-up, after initInterrupt's fixed reservations and
// before any dynamic RequestIRQ call, so the posted-interrupt range
// can never be handed out by the dynamic allocator.
func (t *Table) ReservePostedIntrIRQs(n int) ([]int, error) {
	if n < 0 || n > NRIRQs-numStaticIRQs {
		return nil, fmt.Errorf("irqcore: posted-interrupt slot count %d out of range [0,%d]", n, NRIRQs-numStaticIRQs)
	}

	t.mu.Obtain()
	defer t.mu.Release()

	irqs := make([]int, n)
	lower := NRIRQs - numStaticIRQs - n
	for i := 0; i < n; i++ {
		irq := lower + i
		if t.isReserved(irq) {
			return nil, fmt.Errorf("irqcore: posted-interrupt IRQ %d already reserved", irq)
		}
		vector := uint32(VectorPostedIntrBase + i)

		t.reserveLocked(irq)
		t.descs[irq].vector = vector
		t.descs[irq].name = "posted-intr"
		t.vectorToIRQ[vector] = irq
		var counter atomicbitops.Uint64
		t.spuriousByVec[vector] = &counter

		irqs[i] = irq
	}

	debug.Writef("irqcore reserve_posted_intr", "reserved %d posted-interrupt IRQs at [%d,%d]", n, lower, lower+n-1)
	return irqs, nil
}

func (t *Table) reserveLocked(irq int) {
	bitops.AtomicTestAndSet64(&t.allocBitmap[irq/64], uint(irq%64))
}

func (t *Table) releaseLocked(irq int) {
	bitops.AtomicTestAndClear64(&t.allocBitmap[irq/64], uint(irq%64))
}

func (t *Table) isReserved(irq int) bool {
	return bitops.AtomicTest64(&t.allocBitmap[irq/64], uint(irq%64))
}

// ReserveIRQNum marks irq as reserved without installing a handler,
// mirroring reserve_irq_num's use for IRQs whose owner is external to
// this core (e.g. a platform device the chipset layer drives directly).
func (t *Table) ReserveIRQNum(irq int) error {
	if irq < 0 || irq >= NRIRQs {
		return fmt.Errorf("irqcore: IRQ %d out of range [0,%d)", irq, NRIRQs)
	}

	t.mu.Obtain()
	defer t.mu.Release()

	if t.isReserved(irq) {
		return fmt.Errorf("irqcore: IRQ %d already reserved", irq)
	}
	t.reserveLocked(irq)
	return nil
}

// RequestIRQ allocates irq (or the next free dynamic IRQ if irq < 0),
// assigns it a vector from the dynamic range, installs handler, and
// returns the assigned IRQ number.
func (t *Table) RequestIRQ(irq int, trigger TriggerMode, name string, handler Handler) (int, error) {
	t.mu.Obtain()
	defer t.mu.Release()

	if irq < 0 {
		var err error
		irq, err = t.findFreeIRQLocked()
		if err != nil {
			return 0, err
		}
	} else if irq >= NRIRQs {
		return 0, fmt.Errorf("irqcore: IRQ %d out of range [0,%d)", irq, NRIRQs)
	} else if t.isReserved(irq) {
		return 0, fmt.Errorf("irqcore: IRQ %d already in use", irq)
	}

	vector, err := t.allocVectorLocked()
	if err != nil {
		return 0, err
	}

	t.reserveLocked(irq)
	t.descs[irq] = descriptor{
		inUse:   true,
		vector:  vector,
		trigger: trigger,
		handler: handler,
		name:    name,
	}
	t.vectorToIRQ[vector] = irq
	var counter atomicbitops.Uint64
	t.spuriousByVec[vector] = &counter

	debug.Writef("irqcore request_irq", "irq=%d vector=%#x name=%s", irq, vector, name)
	return irq, nil
}

func (t *Table) findFreeIRQLocked() (int, error) {
	for irq := 0; irq < NRIRQs; irq++ {
		if !t.isReserved(irq) {
			return irq, nil
		}
	}
	return 0, fmt.Errorf("irqcore: no free IRQ slots")
}

func (t *Table) allocVectorLocked() (uint32, error) {
	for v := uint32(VectorDynamicStart); v <= VectorDynamicEnd; v++ {
		if _, used := t.vectorToIRQ[v]; !used {
			return v, nil
		}
	}
	return 0, fmt.Errorf("irqcore: no free vectors in dynamic range [%#x,%#x]", VectorDynamicStart, VectorDynamicEnd)
}

// FreeIRQ releases irq's handler, vector, and reservation.
func (t *Table) FreeIRQ(irq int) error {
	if irq < 0 || irq >= NRIRQs {
		return fmt.Errorf("irqcore: IRQ %d out of range [0,%d)", irq, NRIRQs)
	}

	t.mu.Obtain()
	defer t.mu.Release()

	d := &t.descs[irq]
	if !d.inUse {
		return fmt.Errorf("irqcore: IRQ %d has no installed handler", irq)
	}

	delete(t.vectorToIRQ, d.vector)
	delete(t.spuriousByVec, d.vector)
	*d = descriptor{}
	t.releaseLocked(irq)
	return nil
}

// SetIRQTriggerMode updates the trigger mode of an already-requested IRQ.
func (t *Table) SetIRQTriggerMode(irq int, trigger TriggerMode) error {
	if irq < 0 || irq >= NRIRQs {
		return fmt.Errorf("irqcore: IRQ %d out of range [0,%d)", irq, NRIRQs)
	}

	t.mu.Obtain()
	defer t.mu.Release()

	if !t.descs[irq].inUse {
		return fmt.Errorf("irqcore: IRQ %d has no installed handler", irq)
	}
	t.descs[irq].trigger = trigger
	return nil
}

// SetHooks installs dispatch pre/post hooks, replacing any previous
// ones. Either may be nil.
func (t *Table) SetHooks(pre, post Hook) {
	t.mu.Obtain()
	defer t.mu.Release()
	t.preHook = pre
	t.postHook = post
}

// DoIRQ dispatches a raw vector delivered by the hardware: it resolves
// the vector to an IRQ (falling back to the spurious counter if no IRQ
// claims it), runs the pre-hook, the handler, and the post-hook.
func (t *Table) DoIRQ(vector uint32) {
	start := time.Now()

	t.mu.Obtain()
	irq, ok := t.vectorToIRQ[vector]
	var pre, post Hook
	var handler Handler
	if ok {
		d := &t.descs[irq]
		if d.inUse {
			handler = d.handler
		} else {
			ok = false
		}
	}
	pre, post = t.preHook, t.postHook
	t.mu.Release()

	if !ok {
		t.recordSpurious(vector)
		debug.Writef("irqcore do_irq", "spurious vector=%#x", vector)
		return
	}

	if pre != nil {
		pre(irq)
	}
	handler(irq)
	if post != nil {
		post(irq)
	}

	timeslice.Record(timesliceDispatch, time.Since(start))
}

func (t *Table) recordSpurious(vector uint32) {
	t.spurious.Add(1)

	t.mu.Obtain()
	counter := t.spuriousByVec[vector]
	t.mu.Release()
	if counter != nil {
		counter.Add(1)
	}
}

// SpuriousCount returns the total number of spurious interrupts
// observed since construction.
func (t *Table) SpuriousCount() uint64 {
	return t.spurious.Load()
}

// IRQForVector resolves a vector to its IRQ number, per the dynamic
// bijection or static assignment, reporting ok=false if unassigned.
func (t *Table) IRQForVector(vector uint32) (int, bool) {
	t.mu.Obtain()
	defer t.mu.Release()
	irq, ok := t.vectorToIRQ[vector]
	return irq, ok
}

// VectorForIRQ resolves irq to its assigned vector.
func (t *Table) VectorForIRQ(irq int) (uint32, bool) {
	if irq < 0 || irq >= NRIRQs {
		return 0, false
	}
	t.mu.Obtain()
	defer t.mu.Release()
	d := &t.descs[irq]
	return d.vector, d.inUse
}

// FreeVectorCount reports how many dynamic-range vectors remain
// unassigned, used by admission checks before a large batch of device
// interrupts is wired up.
func (t *Table) FreeVectorCount() int {
	t.mu.Obtain()
	defer t.mu.Release()
	return (VectorDynamicEnd - VectorDynamicStart + 1) - len(t.vectorToIRQ)
}

