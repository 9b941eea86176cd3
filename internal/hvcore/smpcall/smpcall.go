// Package smpcall implements the cross-processor call protocol and MSR
// interception bitmap of spec.md section 4.F. The call protocol
// generalizes internal/hv/kvm/kvm_irq.go's SetIRQ notification idiom
// (flag a target, then kick it) into a per-pCPU function-pointer slot
// protocol driven by atomic compare-and-swap on a shared mask, and the
// MSR bitmap generalizes the whitelist-filter idiom of
// internal/hv/kvm/kvm_msrs_amd64.go's supportedMSRs/snapshotMSRs (a
// fixed policy list filtered against what the platform actually
// exposes) into the 4-quadrant bit-exact hardware structure VMX
// consumes directly.
package smpcall

import (
	"fmt"
	"runtime"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/partitionhv/hvcore/internal/debug"
	"github.com/partitionhv/hvcore/internal/hvcore/bitops"
)

// MaxCPUs bounds the pCPU mask width this core supports; spec.md models
// the mask as a machine word, so 64 pCPUs is the natural ceiling for a
// single atomicbitops.Uint64.
const MaxCPUs = 64

// CallFunc is a cross-processor call payload: it runs on the target
// pCPU, not the caller.
type CallFunc func(data any)

type callSlot struct {
	mu   sync.Mutex
	fn   CallFunc
	data any
}

// Mask is a bitset of target pCPUs, one bit per pCPU index, the same
// shape spec.md's smp_call_mask uses.
type Mask uint64

// CPUMask builds a Mask naming each of cpus.
func CPUMask(cpus ...int) Mask {
	var m Mask
	for _, c := range cpus {
		m |= 1 << uint(c)
	}
	return m
}

// Notifier delivers an IPI to wake a target pCPU out of guest execution
// so it observes its call slot. The production implementation posts an
// actual interprocessor interrupt; tests substitute a recording fake.
type Notifier interface {
	NotifyCPU(cpu int)
}

// Dispatcher runs the cross-processor call protocol for a fixed number
// of pCPUs.
type Dispatcher struct {
	numCPUs  int
	notifier Notifier

	mask  atomicbitops.Uint64
	slots []callSlot

	mu     sync.Mutex
	active []bool
}

// NewDispatcher constructs a Dispatcher for numCPUs pCPUs (<= MaxCPUs).
// Every pCPU starts active; OfflineCPU marks one inactive.
func NewDispatcher(numCPUs int, notifier Notifier) (*Dispatcher, error) {
	if numCPUs <= 0 || numCPUs > MaxCPUs {
		return nil, fmt.Errorf("smpcall: numCPUs %d out of range (1,%d]", numCPUs, MaxCPUs)
	}
	active := make([]bool, numCPUs)
	for i := range active {
		active[i] = true
	}
	return &Dispatcher{
		numCPUs:  numCPUs,
		notifier: notifier,
		slots:    make([]callSlot, numCPUs),
		active:   active,
	}, nil
}

// OfflineCPU marks cpu inactive: future SMPCallFunction calls targeting
// it are logged and skipped rather than waited on, mirroring how the
// spec treats a target that is not currently running a vCPU thread.
func (d *Dispatcher) OfflineCPU(cpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cpu >= 0 && cpu < d.numCPUs {
		d.active[cpu] = false
	}
}

// OnlineCPU marks cpu active again.
func (d *Dispatcher) OnlineCPU(cpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cpu >= 0 && cpu < d.numCPUs {
		d.active[cpu] = true
	}
}

func (d *Dispatcher) isActive(cpu int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[cpu]
}

// SMPCallFunction runs fn(data) on every pCPU named by mask and blocks
// until all of them have completed, per spec.md's smp_call_function:
// self's bit runs fn locally and clears immediately; an inactive
// target is logged and its bit cleared without waiting on it; every
// other target gets fn installed in its call slot, its bit set in the
// shared call mask, and an IPI, and the call returns only once every
// bit it set has been cleared by HandleSMPCall running on that target.
func (d *Dispatcher) SMPCallFunction(self int, mask Mask, fn CallFunc, data any) error {
	if self < 0 || self >= d.numCPUs {
		return fmt.Errorf("smpcall: self cpu %d out of range [0,%d)", self, d.numCPUs)
	}
	if uint64(mask)>>uint(d.numCPUs) != 0 {
		return fmt.Errorf("smpcall: mask %#x names a cpu outside [0,%d)", mask, d.numCPUs)
	}

	var waitBits uint64
	for cpu := 0; cpu < d.numCPUs; cpu++ {
		if mask&(1<<uint(cpu)) == 0 {
			continue
		}

		if cpu == self {
			fn(data)
			debug.Writef("smpcall smp_call_function", "cpu=%d ran locally", cpu)
			continue
		}

		if !d.isActive(cpu) {
			debug.Writef("smpcall smp_call_function", "cpu=%d inactive, skipping", cpu)
			continue
		}

		slot := &d.slots[cpu]
		slot.mu.Lock()
		slot.fn = fn
		slot.data = data
		slot.mu.Unlock()

		bitops.AtomicTestAndSet64(&d.mask, uint(cpu))
		waitBits |= 1 << uint(cpu)
		debug.Writef("smpcall smp_call_function", "cpu=%d notified", cpu)
		d.notifier.NotifyCPU(cpu)
	}

	for d.mask.Load()&waitBits != 0 {
		runtime.Gosched()
	}

	return nil
}

// HandleSMPCall is invoked on cpu after it observes an IPI; it clears
// cpu's bit via CAS and, if the bit was in fact set, runs the installed
// call. It is safe to call speculatively (e.g. on every VM-exit) since
// it is a no-op when cpu has no pending call.
func (d *Dispatcher) HandleSMPCall(cpu int) {
	if cpu < 0 || cpu >= d.numCPUs {
		return
	}

	if !bitops.AtomicTestAndClear64(&d.mask, uint(cpu)) {
		return
	}

	slot := &d.slots[cpu]
	slot.mu.Lock()
	fn, data := slot.fn, slot.data
	slot.fn, slot.data = nil, nil
	slot.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

// Pending reports whether cpu has an undelivered call outstanding.
func (d *Dispatcher) Pending(cpu int) bool {
	if cpu < 0 || cpu >= d.numCPUs {
		return false
	}
	return bitops.AtomicTest64(&d.mask, uint(cpu))
}
