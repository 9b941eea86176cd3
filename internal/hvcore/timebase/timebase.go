// Package timebase implements TSC calibration and tick/time conversion
// per spec.md section 4.B: CPUID leaf 15H/16H first, HPET/PIT fallback,
// and the conversion helpers used throughout the core for timeouts and
// busy-wait delays.
package timebase

import (
	"fmt"
	"sync"
	"time"
)

// Reader abstracts the raw counters this package calibrates against.
// The production implementation backs CPUIDLeaf15H/16H with the RDTSC/
// CPUID instructions directly; tests supply a fake.
type Reader interface {
	// Ticks returns the current TSC value.
	Ticks() uint64

	// CPUIDLeaf15H returns (denominator, numerator, coreCrystalHz) from
	// CPUID.15H, or ok=false if the leaf is not supported.
	CPUIDLeaf15H() (denominator, numerator, coreCrystalHz uint32, ok bool)

	// CPUIDLeaf16H returns the CPU base frequency in MHz from CPUID.16H,
	// or ok=false if the leaf is not supported.
	CPUIDLeaf16H() (baseMHz uint32, ok bool)
}

// HPETReader abstracts a mapped HPET register block for the fallback
// calibration path.
type HPETReader interface {
	// MainCounter returns the current value of the HPET main counter.
	MainCounter() uint64

	// PeriodFemtoseconds returns the HPET tick period in femtoseconds.
	PeriodFemtoseconds() uint64
}

// PITDelay busy-waits for approximately calMs milliseconds using the
// legacy PIT channel 0, returning once the counter reaches its target.
// The production implementation programs PIT I/O ports directly.
type PITDelay func(calMs uint32)

const calibrationSampleMs = 10

// Timebase is the immutable, post-calibration time base: tsc_khz plus
// the reader used for cpu_ticks().
type Timebase struct {
	reader Reader

	once    sync.Once
	tscKHz  uint64
	calcErr error
}

// New constructs an uncalibrated Timebase bound to reader.
func New(reader Reader) *Timebase {
	return &Timebase{reader: reader}
}

// Calibrate runs CPUID-leaf calibration, falling back to hpet/pit, and
// publishes the immutable tsc_khz. Safe to call multiple times; only the
// first call calibrates.
func (t *Timebase) Calibrate(hpet HPETReader, pit PITDelay) error {
	t.once.Do(func() {
		t.tscKHz, t.calcErr = calibrate(t.reader, hpet, pit)
	})
	return t.calcErr
}

func calibrate(reader Reader, hpet HPETReader, pit PITDelay) (uint64, error) {
	if denom, numer, crystalHz, ok := reader.CPUIDLeaf15H(); ok && denom != 0 && numer != 0 {
		hz := uint64(crystalHz) * uint64(numer) / uint64(denom)
		if hz != 0 {
			return hz / 1000, nil
		}
	}

	if hpet == nil && pit == nil {
		return 0, fmt.Errorf("timebase: CPUID.15H unavailable and no HPET/PIT fallback provided")
	}

	measured, err := calibrateFallback(reader, hpet, pit)
	if err != nil {
		return 0, err
	}

	if refMHz, ok := reader.CPUIDLeaf16H(); ok && refMHz != 0 {
		refKHz := uint64(refMHz) * 1000
		deviation := deviationPercent(measured, refKHz)
		if deviation > 5 {
			return refKHz, nil
		}
	}

	return measured, nil
}

func deviationPercent(measured, reference uint64) uint64 {
	var diff uint64
	if measured > reference {
		diff = measured - reference
	} else {
		diff = reference - measured
	}
	if reference == 0 {
		return 0
	}
	return diff * 100 / reference
}

// calibrateFallback runs the HPET method when available, else PIT.
func calibrateFallback(reader Reader, hpet HPETReader, pit PITDelay) (uint64, error) {
	if hpet != nil {
		return calibrateHPET(reader, hpet)
	}
	return calibratePIT(reader, pit)
}

func calibrateHPET(reader Reader, hpet HPETReader) (uint64, error) {
	period := hpet.PeriodFemtoseconds()
	if period == 0 {
		return 0, fmt.Errorf("timebase: HPET period is zero")
	}

	startTSC := reader.Ticks()
	startHPET := hpet.MainCounter()

	busyWaitMs(reader, calibrationSampleMs, 0)

	endTSC := reader.Ticks()
	endHPET := hpet.MainCounter()

	deltaTSC := endTSC - startTSC

	var deltaHPET uint64
	if endHPET >= startHPET {
		deltaHPET = endHPET - startHPET
	} else {
		// 32-bit HPET main-counter wrap.
		deltaHPET = (uint64(1)<<32 - startHPET) + endHPET
	}

	if deltaHPET == 0 {
		return 0, fmt.Errorf("timebase: HPET counter did not advance during calibration")
	}

	// tsc_hz = delta_tsc * 1e12 / (delta_hpet * period_fs)
	num := deltaTSC * 1_000_000_000_000
	den := deltaHPET * period
	if den == 0 {
		return 0, fmt.Errorf("timebase: degenerate HPET calibration denominator")
	}

	return (num / den) / 1000, nil
}

func calibratePIT(reader Reader, pit PITDelay) (uint64, error) {
	if pit == nil {
		return 0, fmt.Errorf("timebase: no PIT delay function available")
	}

	start := reader.Ticks()
	pit(calibrationSampleMs)
	end := reader.Ticks()

	delta := end - start
	if delta == 0 {
		return 0, fmt.Errorf("timebase: TSC did not advance during PIT calibration")
	}

	return delta / calibrationSampleMs, nil
}

// busyWaitMs is used only by the HPET calibration path, which needs a
// fixed-duration sample window independent of the tsc_khz being derived;
// it falls back to wall-clock sleep since tsc_khz is not yet known.
func busyWaitMs(reader Reader, ms uint32, _ uint64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	_ = reader
}

// TickRate returns the calibrated tsc_khz. Calibrate must have been
// called first; TickRate panics otherwise, mirroring the architecture's
// contract that tsc_khz is immutable post-calibration and never read
// before it.
func (t *Timebase) TickRate() uint64 {
	if t.tscKHz == 0 && t.calcErr == nil {
		panic("timebase: TickRate called before successful Calibrate")
	}
	return t.tscKHz
}

// Ticks returns the current TSC value.
func (t *Timebase) Ticks() uint64 {
	return t.reader.Ticks()
}

// USToTicks converts a microsecond duration to ticks at the calibrated
// rate.
func (t *Timebase) USToTicks(us uint64) uint64 {
	return us * t.TickRate() / 1000
}

// TicksToUS converts a tick count to microseconds at the calibrated rate.
func (t *Timebase) TicksToUS(ticks uint64) uint64 {
	return ticks * 1000 / t.TickRate()
}

// TicksToMS converts a tick count to milliseconds at the calibrated rate.
func (t *Timebase) TicksToMS(ticks uint64) uint64 {
	return ticks / t.TickRate()
}

// UDelay busy-waits for at least us microseconds, measured by Ticks.
func (t *Timebase) UDelay(us uint64) {
	end := t.Ticks() + t.USToTicks(us)
	for t.Ticks() < end {
	}
}
