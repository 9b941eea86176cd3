package smpcall

import "fmt"

// PostedInterruptTable routes posted-interrupt notification vectors
// (spec.md's PostedIntrBase+N static vector slots) to the pCPU that
// currently owns the target vCPU, so a device or another vCPU's
// notification lands on the right core without a broadcast IPI.
type PostedInterruptTable struct {
	maxSlots int
	owner    []int // owner[slot] = pCPU, or -1 if unassigned
}

// NewPostedInterruptTable constructs a table with maxSlots entries, one
// per posted-interrupt vector reserved by irqcore
// (VectorPostedIntrBase..VectorPostedIntrBase+maxSlots-1).
func NewPostedInterruptTable(maxSlots int) *PostedInterruptTable {
	owner := make([]int, maxSlots)
	for i := range owner {
		owner[i] = -1
	}
	return &PostedInterruptTable{maxSlots: maxSlots, owner: owner}
}

// SetupPINotification assigns slot to pCPU cpu, overwriting any
// previous assignment (this happens on every vCPU migration).
func (p *PostedInterruptTable) SetupPINotification(slot, cpu int) error {
	if slot < 0 || slot >= p.maxSlots {
		return fmt.Errorf("smpcall: posted-interrupt slot %d out of range [0,%d)", slot, p.maxSlots)
	}
	p.owner[slot] = cpu
	return nil
}

// ClearPINotification releases slot's assignment.
func (p *PostedInterruptTable) ClearPINotification(slot int) error {
	if slot < 0 || slot >= p.maxSlots {
		return fmt.Errorf("smpcall: posted-interrupt slot %d out of range [0,%d)", slot, p.maxSlots)
	}
	p.owner[slot] = -1
	return nil
}

// OwnerOf returns the pCPU currently routed to receive slot's
// notifications, or ok=false if the slot is unassigned.
func (p *PostedInterruptTable) OwnerOf(slot int) (cpu int, ok bool) {
	if slot < 0 || slot >= p.maxSlots {
		return 0, false
	}
	owner := p.owner[slot]
	return owner, owner >= 0
}
