package mainloop

import (
	"fmt"
	"sync"
	"time"
)

// WatchDir selects the readiness direction of a descriptor watch.
type WatchDir uint8

const (
	// WatchRead watches a descriptor for read readiness.
	WatchRead WatchDir = iota + 1
	// WatchWrite watches a descriptor for write readiness.
	WatchWrite
)

// String returns a human-readable representation of the direction.
func (d WatchDir) String() string {
	switch d {
	case WatchRead:
		return "read"
	case WatchWrite:
		return "write"
	default:
		return fmt.Sprintf("WatchDir(%d)", uint8(d))
	}
}

// Source is one interest registered with a Loop: a timer, an idle callback, a
// descriptor watch, a signal interest, or a fiber.
//
// The Loop owns every source handed to Loop.AddSource until the source is
// closed, after which it is removed on the next collection pass. Callers keep
// the returned handle only for early cancellation via Close.
type Source interface {
	// Ready reports whether the source has an event to dispatch: either the
	// subtype's own poll says so (timers, idles), or an event was posted via
	// MarkReady and not yet consumed.
	Ready() bool

	// Closed reports whether Close has been called. Once closed a source
	// never becomes unclosed.
	Closed() bool

	// Close marks the source for removal. Idempotent, safe from any
	// goroutine. Descriptors owned by the source are released.
	Close()

	// Timeout is the source's contribution to the loop's sleep bound. A
	// source with no opinion returns ok == false. An idle source returns
	// zero, degenerating the poll wait to a non-blocking check.
	Timeout() (d time.Duration, ok bool)

	// Watch exposes a descriptor for the loop's multiplexer, if the source
	// has one. dir is meaningful only when ok is true.
	Watch() (fd int, dir WatchDir, ok bool)

	// MarkReady posts an event. The source reports Ready until the event is
	// consumed by Dispatch. Posting to a closed source is a no-op.
	MarkReady(data any)

	// Dispatch consumes the pending event, transforms it through the
	// subtype's event factory, and invokes the trigger. A trigger returning
	// false closes the source. Dispatching a source that is not Ready panics
	// with ErrIllegalState; the loop never does so by construction.
	Dispatch()
}

// Every concrete variant satisfies the loop-facing contract.
var (
	_ Source = (*IdleSource)(nil)
	_ Source = (*TimeoutSource)(nil)
	_ Source = (*PipeSource)(nil)
	_ Source = (*IOSource)(nil)
	_ Source = (*UnixSignalSource)(nil)
	_ Source = (*FiberSource)(nil)
)

// sourceCore is the state machine shared by every source variant: closed and
// ready flags, the posted event, and the user trigger. Variants embed it and
// override the methods their readiness model requires.
type sourceCore struct {
	mu      sync.Mutex
	trigger func(any) bool
	onClose func()
	data    any
	closed  bool
	ready   bool
}

// OnTrigger installs the trigger callback, replacing any prior trigger. The
// callback receives the event payload (type per source variant); returning
// false closes the source, any other outcome keeps it armed.
func (c *sourceCore) OnTrigger(fn func(any) bool) {
	c.mu.Lock()
	c.trigger = fn
	c.mu.Unlock()
}

func (c *sourceCore) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.ready
}

func (c *sourceCore) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *sourceCore) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready = false
	c.data = nil
	onClose := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (c *sourceCore) Timeout() (time.Duration, bool) { return 0, false }

func (c *sourceCore) Watch() (int, WatchDir, bool) { return -1, 0, false }

func (c *sourceCore) MarkReady(data any) {
	c.mu.Lock()
	if !c.closed {
		c.ready = true
		c.data = data
	}
	c.mu.Unlock()
}

func (c *sourceCore) Dispatch() { c.dispatch(nil) }

// dispatch consumes the posted event and runs the trigger, applying the
// variant's event factory first. Runs with no locks held across the trigger.
func (c *sourceCore) dispatch(transform func(any) any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.ready {
		c.mu.Unlock()
		panic(fmt.Errorf("%w: dispatch of source that is not ready", ErrIllegalState))
	}
	data := c.data
	c.ready = false
	c.data = nil
	trigger := c.trigger
	c.mu.Unlock()

	if transform != nil {
		data = transform(data)
	}
	if trigger != nil && !trigger(data) {
		c.Close()
	}
}
