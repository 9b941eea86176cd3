package timebase

import "testing"

type fakeReader struct {
	ticks           uint64
	denom, numer    uint32
	crystalHz       uint32
	leaf15Supported bool
	baseMHz         uint32
	leaf16Supported bool
}

// Ticks advances its virtual clock by one on every read, so a caller
// spinning on Ticks() (as UDelay does) makes forward progress without
// needing a concurrent writer.
func (f *fakeReader) Ticks() uint64 {
	f.ticks++
	return f.ticks
}

func (f *fakeReader) CPUIDLeaf15H() (uint32, uint32, uint32, bool) {
	return f.denom, f.numer, f.crystalHz, f.leaf15Supported
}

func (f *fakeReader) CPUIDLeaf16H() (uint32, bool) {
	return f.baseMHz, f.leaf16Supported
}

func TestCalibrateFromCPUIDLeaf15H(t *testing.T) {
	r := &fakeReader{
		denom:           2,
		numer:           100,
		crystalHz:       24_000_000,
		leaf15Supported: true,
	}
	tb := New(r)
	if err := tb.Calibrate(nil, nil); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	want := uint64(24_000_000) * 100 / 2 / 1000
	if got := tb.TickRate(); got != want {
		t.Fatalf("TickRate = %d, want %d", got, want)
	}
}

func TestCalibrateFallsBackToPIT(t *testing.T) {
	r := &fakeReader{leaf15Supported: false}
	r.ticks = 0

	tb := New(r)

	pit := func(calMs uint32) {
		// Simulate 3,000,000 ticks elapsed during the PIT sample window.
		r.ticks += 3_000_000
	}

	if err := tb.Calibrate(nil, pit); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	want := uint64(3_000_000) / calibrationSampleMs
	if got := tb.TickRate(); got != want {
		t.Fatalf("TickRate = %d, want %d", got, want)
	}
}

func TestConversionsRoundTrip(t *testing.T) {
	r := &fakeReader{denom: 1, numer: 1, crystalHz: 1_000_000_000, leaf15Supported: true}
	tb := New(r)
	if err := tb.Calibrate(nil, nil); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	for _, us := range []uint64{1, 100, 1000, 1_000_000} {
		ticks := tb.USToTicks(us)
		back := tb.TicksToUS(ticks)
		var diff uint64
		if back > us {
			diff = back - us
		} else {
			diff = us - back
		}
		if diff > 1 {
			t.Fatalf("round trip for %d us produced %d us (diff %d)", us, back, diff)
		}
	}
}

func TestUDelayReturnsAfterElapsed(t *testing.T) {
	r := &fakeReader{denom: 1, numer: 1, crystalHz: 1_000_000, leaf15Supported: true} // tsc_khz = 1000
	tb := New(r)
	if err := tb.Calibrate(nil, nil); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	start := r.ticks
	tb.UDelay(5)
	if r.ticks-start < 5 {
		t.Fatalf("UDelay returned after only %d ticks, want at least 5", r.ticks-start)
	}
}

func TestTickRatePanicsBeforeCalibrate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling TickRate before Calibrate")
		}
	}()

	tb := New(&fakeReader{})
	_ = tb.TickRate()
}
