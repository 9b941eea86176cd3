package hvcore

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/partitionhv/hvcore/internal/hvcore/irqcore"
)

// Snapshot format constants, following internal/hv/snapshot.go's
// magic/version convention for this core's own per-CPU snapshot
// record (IRQ routing table and MSR interception bitmap — the two
// pieces of hvcore state a snapshot/restore cycle must reproduce
// exactly, since both are visible to the guest through hardware
// behavior rather than through any device model this core owns).
const (
	coreSnapshotMagic   uint32 = 0x43564843 // "CHVC"
	coreSnapshotVersion uint32 = 1
)

// CoreSnapshot captures the state a restored Core must reproduce that
// is not already implied by Dependencies/CoreConfig: the live IRQ
// vector assignments, posted-interrupt routing, and the MSR
// interception bitmap's current bits (which may have diverged from
// EnableMSRInterception's initial policy via ad hoc Intercept/
// Passthrough calls made after boot).
type CoreSnapshot struct {
	VectorAssignments map[int]uint32 // irq -> vector, dynamic range only
	PostedIntrOwners  map[int]int    // slot -> pCPU
	MSRBitmap         []byte         // 4096 bytes
	SpuriousCount     uint64
}

// Capture builds a CoreSnapshot of c's current dynamic state.
func (c *Core) Capture() *CoreSnapshot {
	snap := &CoreSnapshot{
		VectorAssignments: make(map[int]uint32),
		PostedIntrOwners:  make(map[int]int),
		MSRBitmap:         append([]byte(nil), c.MSRBitmap.Bytes()...),
		SpuriousCount:     c.IRQs.SpuriousCount(),
	}

	for vector := uint32(irqcore.VectorDynamicStart); vector <= irqcore.VectorDynamicEnd; vector++ {
		if irq, ok := c.IRQs.IRQForVector(vector); ok {
			snap.VectorAssignments[irq] = vector
		}
	}

	for slot := 0; slot < c.cfg.MaxVMSlots; slot++ {
		if cpu, ok := c.PostedIntr.OwnerOf(slot); ok {
			snap.PostedIntrOwners[slot] = cpu
		}
	}

	return snap
}

// Restore re-applies a CoreSnapshot's posted-interrupt routing and MSR
// bitmap bits to a freshly constructed Core. IRQ handler installation
// itself is not restored here: handlers are Go closures owned by
// whatever device model called RequestIRQ, and must be re-registered
// by that caller after restore, exactly as vector assignment is
// re-derived by the act of re-registering rather than replayed
// directly, avoiding stale closures from a previous process.
func (c *Core) Restore(snap *CoreSnapshot) error {
	if len(snap.MSRBitmap) != len(c.MSRBitmap.Bytes()) {
		return fmt.Errorf("hvcore: snapshot MSR bitmap is %d bytes, want %d", len(snap.MSRBitmap), len(c.MSRBitmap.Bytes()))
	}
	copy(c.MSRBitmap.Bytes(), snap.MSRBitmap)

	for slot, cpu := range snap.PostedIntrOwners {
		if err := c.PostedIntr.SetupPINotification(slot, cpu); err != nil {
			return fmt.Errorf("hvcore: restoring posted-interrupt slot %d: %w", slot, err)
		}
	}

	return nil
}

// WriteTo serializes snap in the magic/version/payload layout the
// teacher's snapshot files use.
func (snap *CoreSnapshot) WriteTo(w io.Writer) (int64, error) {
	var written int64

	if err := binary.Write(w, binary.LittleEndian, coreSnapshotMagic); err != nil {
		return written, fmt.Errorf("hvcore: writing snapshot magic: %w", err)
	}
	written += 4
	if err := binary.Write(w, binary.LittleEndian, coreSnapshotVersion); err != nil {
		return written, fmt.Errorf("hvcore: writing snapshot version: %w", err)
	}
	written += 4

	if err := binary.Write(w, binary.LittleEndian, uint32(len(snap.VectorAssignments))); err != nil {
		return written, fmt.Errorf("hvcore: writing vector assignment count: %w", err)
	}
	written += 4
	for irq, vector := range snap.VectorAssignments {
		if err := binary.Write(w, binary.LittleEndian, [2]uint32{uint32(irq), vector}); err != nil {
			return written, fmt.Errorf("hvcore: writing vector assignment: %w", err)
		}
		written += 8
	}

	n, err := w.Write(snap.MSRBitmap)
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("hvcore: writing MSR bitmap: %w", err)
	}

	return written, nil
}
