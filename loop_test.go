package mainloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Scenario: a 0.1s timer registered, 0.2s elapse, one manual step fires it.
func TestStep_FiresElapsedTimer(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var flag atomic.Bool
	if _, err := l.AddTimeout(100*time.Millisecond, func() bool {
		flag.Store(true)
		return false
	}); err != nil {
		t.Fatalf("AddTimeout failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	l.Step()

	if !flag.Load() {
		t.Fatal("expected the elapsed timer to fire in a single step")
	}
}

// Scenario: one-shot, a quitting timer, and a timer that registers another
// one-shot from its trigger; total invocations must be exactly two.
func TestRun_OnceTimeoutQuitScenario(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var invocations atomic.Int64
	if _, err := l.AddOnce(0, func() {
		invocations.Add(1)
	}); err != nil {
		t.Fatalf("AddOnce failed: %v", err)
	}
	if _, err := l.AddTimeout(200*time.Millisecond, func() bool {
		l.Quit()
		return false
	}); err != nil {
		t.Fatalf("AddTimeout failed: %v", err)
	}
	if _, err := l.AddTimeout(100*time.Millisecond, func() bool {
		// Registration from a trigger re-enters the loop's mutex.
		if _, err := l.AddOnce(0, func() {
			invocations.Add(1)
		}); err != nil {
			t.Errorf("AddOnce from trigger failed: %v", err)
		}
		return false
	}); err != nil {
		t.Fatalf("AddTimeout failed: %v", err)
	}

	start := time.Now()
	if err := l.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	elapsed := time.Since(start)

	if got := invocations.Load(); got != 2 {
		t.Fatalf("expected 2 invocations, got %d", got)
	}
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("expected the loop to quit after ~0.2s, took %v", elapsed)
	}
}

func TestRun_TerminalState(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if l.Running() {
		t.Fatal("fresh loop must not report running")
	}

	if _, err := l.AddOnce(0, l.Quit); err != nil {
		t.Fatalf("AddOnce failed: %v", err)
	}
	if err := l.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if l.Running() {
		t.Fatal("terminated loop must not report running")
	}
	if err := l.AddSource(NewIdleSource()); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("expected ErrLoopTerminated, got %v", err)
	}
	if _, err := l.AddIdle(func() bool { return true }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("expected ErrLoopTerminated, got %v", err)
	}
	if err := l.AddQuit(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("expected ErrLoopTerminated, got %v", err)
	}
	if err := l.Run(); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("expected ErrLoopTerminated from second Run, got %v", err)
	}
}

func TestRun_SecondRunnerFails(t *testing.T) {
	l := startLoop(t)

	if !waitFor(t, time.Second, l.Running) {
		t.Fatal("loop did not start")
	}

	err := l.Run()
	if !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Fatalf("expected ErrLoopAlreadyRunning, got %v", err)
	}
	if !errors.Is(err, ErrIllegalState) {
		t.Fatal("a second runner is an illegal-state refinement")
	}
}

// Ten quit handlers run exactly once each, in registration order, before Run
// returns.
func TestQuitHandlers_OrderAndOnce(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if err := l.AddQuit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("AddQuit failed: %v", err)
		}
	}

	if _, err := l.AddOnce(100*time.Millisecond, l.Quit); err != nil {
		t.Fatalf("AddOnce failed: %v", err)
	}
	if err := l.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 quit handler runs, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("quit handlers out of order: %v", order)
		}
	}
}

// Background goroutines registering one-shots against a parked loop each
// deliver exactly one dispatch.
func TestCrossThreadWakeup(t *testing.T) {
	l := startLoop(t)

	const producers = 10
	const perProducer = 4

	var counter atomic.Int64
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := l.AddOnce(0, func() {
					counter.Add(1)
				}); err != nil {
					t.Errorf("AddOnce failed: %v", err)
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	const expected = producers * perProducer
	if !waitFor(t, 5*time.Second, func() bool { return counter.Load() == expected }) {
		t.Fatalf("expected %d dispatches, got %d", expected, counter.Load())
	}
}

// SendWakeup breaks the poll wait without any other observable effect.
func TestSendWakeup_Noop(t *testing.T) {
	l := startLoop(t)

	if !waitFor(t, time.Second, l.Running) {
		t.Fatal("loop did not start")
	}
	for i := 0; i < 5; i++ {
		l.SendWakeup()
	}

	var fired atomic.Bool
	if _, err := l.AddOnce(0, func() { fired.Store(true) }); err != nil {
		t.Fatalf("AddOnce failed: %v", err)
	}
	if !waitFor(t, time.Second, fired.Load) {
		t.Fatal("loop stopped servicing sources after wakeups")
	}
}

// A panicking trigger is contained: the source closes, the loop survives.
func TestTriggerPanic_ClosesSourceKeepsLoop(t *testing.T) {
	l := startLoop(t)

	var fires atomic.Int64
	src, err := l.AddTimeout(10*time.Millisecond, func() bool {
		fires.Add(1)
		panic("user bug")
	})
	if err != nil {
		t.Fatalf("AddTimeout failed: %v", err)
	}

	if !waitFor(t, 2*time.Second, src.Closed) {
		t.Fatal("panicking source was not closed")
	}
	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Fatalf("expected the panicking trigger to fire once, got %d", got)
	}

	var alive atomic.Bool
	if _, err := l.AddOnce(0, func() { alive.Store(true) }); err != nil {
		t.Fatalf("AddOnce failed: %v", err)
	}
	if !waitFor(t, time.Second, alive.Load) {
		t.Fatal("loop did not survive a panicking trigger")
	}
}

// Closing a source from outside removes it without a dispatch.
func TestSourceClose_Unregisters(t *testing.T) {
	l := startLoop(t)

	var fires atomic.Int64
	src, err := l.AddTimeout(50*time.Millisecond, func() bool {
		fires.Add(1)
		return true
	})
	if err != nil {
		t.Fatalf("AddTimeout failed: %v", err)
	}

	src.Close()
	time.Sleep(200 * time.Millisecond)
	if got := fires.Load(); got != 0 {
		t.Fatalf("expected no fires after Close, got %d", got)
	}
}
