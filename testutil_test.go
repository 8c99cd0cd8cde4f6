package mainloop

import (
	"testing"
	"time"
)

// startLoop runs a fresh loop on a background goroutine and registers
// cleanup that quits it and waits for Run to return.
func startLoop(t *testing.T) *Loop {
	t.Helper()

	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Run()
	}()

	t.Cleanup(func() {
		l.Quit()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("loop did not stop within deadline")
		}
	})

	return l
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
