package irqcore

import "testing"

func TestStaticVectorsPreReserved(t *testing.T) {
	tbl := New()

	if _, ok := tbl.IRQForVector(VectorLocalTimer); !ok {
		t.Fatalf("local timer vector not pre-assigned")
	}

	irq, err := tbl.RequestIRQ(0, TriggerEdge, "dup", nil)
	if err == nil {
		t.Fatalf("expected error requesting already-reserved IRQ 0, got irq=%d", irq)
	}
}

func TestRequestIRQAssignsDynamicVectorAndDispatches(t *testing.T) {
	tbl := New()

	var fired int
	irq, err := tbl.RequestIRQ(-1, TriggerEdge, "test-device", func(irq int) { fired++ })
	if err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}

	vector, ok := tbl.VectorForIRQ(irq)
	if !ok {
		t.Fatalf("no vector assigned to irq %d", irq)
	}
	if vector < VectorDynamicStart || vector > VectorDynamicEnd {
		t.Fatalf("vector %#x outside dynamic range", vector)
	}

	tbl.DoIRQ(vector)
	if fired != 1 {
		t.Fatalf("handler fired %d times, want 1", fired)
	}
}

func TestDoIRQUnassignedVectorIsSpurious(t *testing.T) {
	tbl := New()

	tbl.DoIRQ(0x99)
	if got := tbl.SpuriousCount(); got != 1 {
		t.Fatalf("SpuriousCount = %d, want 1", got)
	}
}

func TestFreeIRQReleasesVectorAndReservation(t *testing.T) {
	tbl := New()

	irq, err := tbl.RequestIRQ(-1, TriggerEdge, "test-device", func(int) {})
	if err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	before := tbl.FreeVectorCount()

	if err := tbl.FreeIRQ(irq); err != nil {
		t.Fatalf("FreeIRQ: %v", err)
	}

	if got := tbl.FreeVectorCount(); got != before+1 {
		t.Fatalf("FreeVectorCount after free = %d, want %d", got, before+1)
	}

	// The IRQ number should be reusable after freeing.
	irq2, err := tbl.RequestIRQ(irq, TriggerLevel, "reused", func(int) {})
	if err != nil {
		t.Fatalf("re-requesting freed IRQ %d: %v", irq, err)
	}
	if irq2 != irq {
		t.Fatalf("re-request returned irq %d, want %d", irq2, irq)
	}
}

func TestHooksRunAroundHandler(t *testing.T) {
	tbl := New()

	var order []string
	tbl.SetHooks(
		func(irq int) { order = append(order, "pre") },
		func(irq int) { order = append(order, "post") },
	)

	irq, err := tbl.RequestIRQ(-1, TriggerEdge, "hooked", func(int) { order = append(order, "handler") })
	if err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	vector, _ := tbl.VectorForIRQ(irq)
	tbl.DoIRQ(vector)

	want := []string{"pre", "handler", "post"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestReserveIRQNumBlocksRequestIRQ(t *testing.T) {
	tbl := New()

	const irq = 50
	if err := tbl.ReserveIRQNum(irq); err != nil {
		t.Fatalf("ReserveIRQNum: %v", err)
	}

	if _, err := tbl.RequestIRQ(irq, TriggerEdge, "blocked", func(int) {}); err == nil {
		t.Fatalf("expected RequestIRQ to fail on a reserved IRQ")
	}
}

func TestReservePostedIntrIRQsMapsAscendingVectors(t *testing.T) {
	tbl := New()

	irqs, err := tbl.ReservePostedIntrIRQs(4)
	if err != nil {
		t.Fatalf("ReservePostedIntrIRQs: %v", err)
	}
	if len(irqs) != 4 {
		t.Fatalf("got %d irqs, want 4", len(irqs))
	}

	for i, irq := range irqs {
		vector, ok := tbl.VectorForIRQ(irq)
		if !ok {
			t.Fatalf("irq %d has no vector assigned", irq)
		}
		if want := uint32(VectorPostedIntrBase + i); vector != want {
			t.Fatalf("irq %d vector = %#x, want %#x", irq, vector, want)
		}
	}

	// The dynamic allocator must never hand out a posted-interrupt IRQ.
	if _, err := tbl.RequestIRQ(irqs[0], TriggerEdge, "collide", func(int) {}); err == nil {
		t.Fatalf("expected RequestIRQ to reject an IRQ reserved for posted interrupts")
	}
}

func TestReservePostedIntrIRQsRejectsDoubleReservation(t *testing.T) {
	tbl := New()

	if _, err := tbl.ReservePostedIntrIRQs(4); err != nil {
		t.Fatalf("ReservePostedIntrIRQs: %v", err)
	}
	if _, err := tbl.ReservePostedIntrIRQs(4); err == nil {
		t.Fatalf("expected second ReservePostedIntrIRQs call to fail on already-reserved IRQs")
	}
}

func TestSetIRQTriggerModeRequiresInstalledHandler(t *testing.T) {
	tbl := New()

	if err := tbl.SetIRQTriggerMode(99, TriggerLevel); err == nil {
		t.Fatalf("expected error setting trigger mode on an unrequested IRQ")
	}

	irq, err := tbl.RequestIRQ(-1, TriggerEdge, "trig", func(int) {})
	if err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	if err := tbl.SetIRQTriggerMode(irq, TriggerLevel); err != nil {
		t.Fatalf("SetIRQTriggerMode: %v", err)
	}
}
