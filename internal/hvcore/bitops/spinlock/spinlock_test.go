package spinlock

import (
	"sync"
	"testing"
)

func TestTicketLockMutualExclusion(t *testing.T) {
	var l TicketLock
	var counter int
	var wg sync.WaitGroup

	const goroutines = 16
	const iterations = 500

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				l.Obtain()
				counter++
				l.Release()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Fatalf("counter = %d, want %d", counter, goroutines*iterations)
	}
}

func TestTryObtain(t *testing.T) {
	var l TicketLock

	if !l.TryObtain() {
		t.Fatalf("TryObtain should succeed on an uncontended lock")
	}
	if l.TryObtain() {
		t.Fatalf("TryObtain should fail while the lock is held")
	}
	l.Release()
	if !l.TryObtain() {
		t.Fatalf("TryObtain should succeed after Release")
	}
}

type fakeIRQDisabler struct {
	enabled bool
}

func (f *fakeIRQDisabler) Disable() bool {
	prior := f.enabled
	f.enabled = false
	return prior
}

func (f *fakeIRQDisabler) Restore(prior bool) {
	f.enabled = prior
}

func TestObtainIRQSaveRestore(t *testing.T) {
	var l TicketLock
	d := &fakeIRQDisabler{enabled: true}

	prior := l.ObtainIRQSave(d)
	if !prior {
		t.Fatalf("prior state should have been enabled")
	}
	if d.enabled {
		t.Fatalf("interrupts should be disabled while the lock is held")
	}
	l.ReleaseIRQRestore(d, prior)
	if !d.enabled {
		t.Fatalf("interrupts should be restored to enabled")
	}
}
