// Package spinlock implements the ticket spinlock used throughout the
// hypervisor core for per-CPU and per-descriptor critical sections: a
// fetch-and-add ticket on obtain, spin until it is served, and a plain
// increment on release. Fairness is FIFO by ticket, matching spec.md
// section 4.A.
package spinlock

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// TicketLock is a FIFO spinlock built from two monotonically increasing
// counters. It has no OS-level notion of "disable interrupts"; that is
// layered on top by IRQState (see irqsave.go) on platforms that need it.
type TicketLock struct {
	head atomicbitops.Uint32
	tail atomicbitops.Uint32
}

// Obtain acquires the lock, spinning in FIFO ticket order.
func (l *TicketLock) Obtain() {
	my := l.head.Add(1) - 1
	for l.tail.Load() != my {
		runtime.Gosched()
	}
}

// Release releases the lock.
func (l *TicketLock) Release() {
	l.tail.Add(1)
}

// TryObtain attempts to acquire the lock without spinning, returning
// false if it is already held.
func (l *TicketLock) TryObtain() bool {
	for {
		head := l.head.Load()
		tail := l.tail.Load()
		if head != tail {
			return false
		}
		if l.head.CompareAndSwap(head, head+1) {
			return true
		}
	}
}

// IRQDisabler abstracts the architecture's interrupt-enable/disable
// pair so TicketLock's IRQ-save variant can be exercised on platforms
// with and without raw CLI/STI access (e.g. under the teacher's
// userspace KVM backend, which never legitimately disables host
// interrupts but does need a serialized critical section).
type IRQDisabler interface {
	// Disable disables interrupt delivery and returns the prior
	// enabled/disabled state, to be restored by Restore.
	Disable() (prior bool)
	// Restore restores the interrupt-enable state captured by Disable.
	Restore(prior bool)
}

// ObtainIRQSave disables interrupts via d, then obtains the lock,
// returning the prior IRQ-enabled state for the matching ReleaseIRQRestore.
func (l *TicketLock) ObtainIRQSave(d IRQDisabler) bool {
	prior := d.Disable()
	l.Obtain()
	return prior
}

// ReleaseIRQRestore releases the lock and restores the IRQ-enabled state
// captured by the matching ObtainIRQSave.
func (l *TicketLock) ReleaseIRQRestore(d IRQDisabler, prior bool) {
	l.Release()
	d.Restore(prior)
}
