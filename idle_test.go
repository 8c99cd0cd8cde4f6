package mainloop

import (
	"testing"
)

// N idle sources each advance their counter once per step.
func TestIdle_CountPerStep(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	const n = 4
	const steps = 25

	counters := make([]int, n)
	for i := 0; i < n; i++ {
		i := i
		if _, err := l.AddIdle(func() bool {
			counters[i]++
			return true
		}); err != nil {
			t.Fatalf("AddIdle failed: %v", err)
		}
	}

	for i := 0; i < steps; i++ {
		l.Step()
	}

	for i, c := range counters {
		if c != steps {
			t.Errorf("idle %d: expected %d fires, got %d", i, steps, c)
		}
	}
}

// An idle whose callback returns false is removed and never invoked again.
func TestIdle_UnregisterOnFalse(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var fires int
	if _, err := l.AddIdle(func() bool {
		fires++
		return false
	}); err != nil {
		t.Fatalf("AddIdle failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		// Once the idle is gone nothing is ready and no timer is registered,
		// so Step waits in poll indefinitely; a wakeup byte lets it return.
		l.SendWakeup()
		l.Step()
	}
	if fires != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", fires)
	}
}
