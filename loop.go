package mainloop

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Control-pipe wire format: single ASCII bytes. A read containing multiple
// bytes is treated as a set; any quit byte wins.
const (
	ctrlWakeup = '.'
	ctrlQuit   = 'q'
)

// Loop is the main event loop scheduler.
//
// Exactly one goroutine executes Run; all trigger callbacks execute serially
// on that goroutine. Any goroutine may register sources, request wakeup, or
// quit: cross-thread calls synchronize through the loop's mutex and, when the
// runner is parked in poll, through a control byte on the loop's self-pipe.
//
// Dispatch always happens outside the mutex, so triggers may freely re-enter
// AddSource, Source.Close, AddQuit, and Quit. Triggers must not call Step or
// Run recursively.
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	mu           sync.Mutex
	sources      []Source
	control      *PipeSource
	quitHandlers []func()
	children     map[int]func(Status)
	reaper       *UnixSignalSource
	runner       uint64
	running      bool
	terminated   bool

	// quitRequested is written by the control trigger and consumed by run,
	// both strictly on the loop goroutine.
	quitRequested bool
}

// New creates a loop with its control pipe registered as the first source.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	control, err := NewPipeSource()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		logger:   cfg.logger,
		control:  control,
		children: make(map[int]func(Status)),
	}
	control.OnTrigger(func(data any) bool {
		buf, _ := data.([]byte)
		for _, b := range buf {
			switch b {
			case ctrlWakeup:
				// Wakeup only; the poll already returned.
			case ctrlQuit:
				l.quitRequested = true
			default:
				panic(fmt.Errorf("%w: %q", ErrIllegalControl, b))
			}
		}
		return true
	})
	l.sources = append(l.sources, control)

	return l, nil
}

// AddSource appends s to the registry. When called from a
// goroutine other than the running loop's - including background threads
// while the runner is parked in poll - a wakeup byte is posted so the new
// source is observed within one system call.
//
// Fails with ErrLoopTerminated after Run has returned.
func (l *Loop) AddSource(s Source) error {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.sources = append(l.sources, s)
	needWake := l.running && l.runner != getGoroutineID()
	l.mu.Unlock()

	if needWake {
		l.sendControl(ctrlWakeup)
	}
	return nil
}

// AddIdle registers an idle callback, fired every iteration until it returns
// false.
func (l *Loop) AddIdle(cb func() bool) (*IdleSource, error) {
	s := NewIdleSource()
	s.OnTrigger(func(any) bool { return cb() })
	if err := l.AddSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddTimeout registers a repeating timer. The callback fires each time the
// interval elapses until it returns false.
func (l *Loop) AddTimeout(interval time.Duration, cb func() bool) (*TimeoutSource, error) {
	s := NewTimeoutSource(interval)
	s.OnTrigger(func(any) bool { return cb() })
	if err := l.AddSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddOnce registers a one-shot callback fired after delay. A zero delay
// fires on the next iteration. The source closes after the first fire.
func (l *Loop) AddOnce(delay time.Duration, cb func()) (*TimeoutSource, error) {
	s := NewTimeoutSource(delay)
	s.OnTrigger(func(any) bool {
		cb()
		return false
	})
	if err := l.AddSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddUnixSignal registers a signal interest. The callback receives every
// signal collected since the prior dispatch, on the loop goroutine - never in
// a trap context - and closes the interest by returning false.
func (l *Loop) AddUnixSignal(cb func([]os.Signal) bool, signals ...os.Signal) (*UnixSignalSource, error) {
	s, err := NewUnixSignalSource(signals...)
	if err != nil {
		return nil, err
	}
	s.OnTrigger(func(data any) bool {
		sigs, _ := data.([]os.Signal)
		if len(sigs) == 0 {
			return true
		}
		return cb(sigs)
	})
	if err := l.AddSource(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// AddRead watches fd for read readiness, draining it with non-blocking reads
// on each event. Chunks arrive as cb(buf, nil); EOF as cb(nil, nil) followed
// by close; errors as cb(nil, err) followed by close. The descriptor is
// flipped to non-blocking and remains owned by the caller.
func (l *Loop) AddRead(fd int, cb func(buf []byte, err error) bool) (*IOSource, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	s := NewIOSource(fd, WatchRead)
	s.OnTrigger(readTrigger(fd, cb))
	if err := l.AddSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddWrite watches fd for write readiness and writes buf to it, resuming
// after short writes. Completion is reported as cb(nil), failure as cb(err);
// either way the source closes. Accounting is in bytes. The descriptor is
// flipped to non-blocking and remains owned by the caller.
func (l *Loop) AddWrite(fd int, buf []byte, cb func(err error)) (*IOSource, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	s := NewIOSource(fd, WatchWrite)
	s.OnTrigger(writeTrigger(fd, append([]byte(nil), buf...), cb))
	if err := l.AddSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddFiber registers a cooperative fiber. The body starts on the next
// iteration; see Fiber for the suspension protocol.
func (l *Loop) AddFiber(body func(*Fiber)) (*FiberSource, error) {
	s := NewFiberSource(l, body)
	if err := l.AddSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddQuit registers a handler run exactly once during loop shutdown, after
// the quit flag is observed and before sources are closed. Handlers run in
// registration order.
func (l *Loop) AddQuit(cb func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminated {
		return ErrLoopTerminated
	}
	l.quitHandlers = append(l.quitHandlers, cb)
	return nil
}

// Quit requests termination: the current step finishes, quit handlers run,
// then all sources are closed and Run returns. Idempotent, safe from any
// goroutine (including triggers on the loop goroutine, where it takes effect
// after the current step like any cross-thread quit). Signal handlers must
// use a signal source rather than calling Quit.
func (l *Loop) Quit() {
	l.sendControl(ctrlQuit)
}

// SendWakeup breaks the poll wait without other effect.
func (l *Loop) SendWakeup() {
	l.sendControl(ctrlWakeup)
}

func (l *Loop) sendControl(b byte) {
	if _, err := l.control.Write([]byte{b}); err != nil {
		// Control pipe gone: the loop has terminated (or is tearing down),
		// so there is nothing left to wake.
		l.logger.Debug().Err(err).Log("mainloop: control write after teardown")
	}
}

// Running reports whether a goroutine is currently executing Run.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Run executes steps until Quit (or external control-pipe close) is
// observed, then shuts down: quit handlers in registration order, un-reaped
// children detached, every remaining source closed, and the registry cleared
// to its terminal state. After Run returns, registration fails with
// ErrLoopTerminated.
func (l *Loop) Run() error {
	gid := getGoroutineID()

	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	if l.running {
		l.mu.Unlock()
		return ErrLoopAlreadyRunning
	}
	l.running = true
	l.runner = gid
	l.mu.Unlock()

	for !l.quitRequested {
		l.step()
	}

	l.mu.Lock()
	handlers := l.quitHandlers
	l.quitHandlers = nil
	l.mu.Unlock()
	for _, fn := range handlers {
		l.safeRun("quit handler", fn)
	}

	l.mu.Lock()
	srcs := l.sources
	l.sources = nil
	detached := len(l.children)
	l.children = nil
	l.reaper = nil
	l.terminated = true
	l.running = false
	l.runner = 0
	l.mu.Unlock()

	if detached > 0 {
		l.logger.Info().Int("children", detached).Log("mainloop: detached un-reaped children")
	}
	for _, s := range srcs {
		s.Close()
	}
	return nil
}

// Step executes one readiness-collection, poll-wait, dispatch cycle. Exposed
// for callers driving the loop manually; Run calls it until quit.
func (l *Loop) Step() {
	l.step()
}

func (l *Loop) step() {
	// Collection pass, under the mutex: compact closed sources out of the
	// registry and gather, in one scan, the already-ready sources (in
	// registration order), the descriptor watches, and the sleep bound.
	ready := queue.New()
	member := make(map[Source]struct{})
	enqueue := func(s Source) {
		if _, ok := member[s]; !ok {
			member[s] = struct{}{}
			ready.Add(s)
		}
	}

	var pfds []unix.PollFd
	var watchers []Source
	var minTimeout time.Duration
	haveTimeout := false

	l.mu.Lock()
	kept := l.sources[:0]
	for _, s := range l.sources {
		if s.Closed() {
			continue
		}
		kept = append(kept, s)
		if s.Ready() {
			enqueue(s)
		}
		if fd, dir, ok := s.Watch(); ok {
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: pollEvents(dir)})
			watchers = append(watchers, s)
		}
		if d, ok := s.Timeout(); ok {
			if !haveTimeout || d < minTimeout {
				minTimeout = d
				haveTimeout = true
			}
		}
	}
	for i := len(kept); i < len(l.sources); i++ {
		l.sources[i] = nil
	}
	l.sources = kept
	l.mu.Unlock()

	// The poll wait, outside the mutex, bounded by the nearest timeout. A
	// pending ready source degenerates it to a non-blocking check.
	timeoutMs := -1
	if ready.Length() > 0 {
		timeoutMs = 0
	} else if haveTimeout {
		timeoutMs = durationToMs(minTimeout)
	}

	if _, err := pollWait(pfds, timeoutMs); err != nil {
		l.logger.Crit().Err(err).Log("mainloop: poll failed; terminating loop")
		l.quitRequested = true
		return
	}

	// Mark descriptor-ready sources, preserving set semantics against the
	// already-ready group.
	l.mu.Lock()
	for i := range pfds {
		if !reventsReady(pfds[i].Revents) {
			continue
		}
		s := watchers[i]
		if _, ok := member[s]; !ok {
			s.MarkReady(reventsToIOEvents(pfds[i].Revents))
			member[s] = struct{}{}
			ready.Add(s)
		}
	}
	l.mu.Unlock()

	// Dispatch outside the mutex, in collection order: already-ready first,
	// then descriptor-ready. Sources that went unready or closed in the
	// meantime are skipped; a timer becoming ready during dispatch waits for
	// the next step.
	for ready.Length() > 0 {
		s := ready.Remove().(Source)
		if s.Closed() || !s.Ready() {
			continue
		}
		l.dispatchSource(s)
	}

	if l.control.Closed() {
		l.quitRequested = true
	}
}

// dispatchSource isolates trigger panics: they are logged and close the
// offending source, except the loop's own invariant violations, which are
// fatal and re-raised.
func (l *Loop) dispatchSource(s Source) {
	defer func() {
		if r := recover(); r != nil {
			if fatalInvariant(r) {
				panic(r)
			}
			l.logPanic("trigger", r)
			s.Close()
		}
	}()
	s.Dispatch()
}

func (l *Loop) safeRun(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if fatalInvariant(r) {
				panic(r)
			}
			l.logPanic(what, r)
		}
	}()
	fn()
}

func (l *Loop) logPanic(what string, r any) {
	l.logger.Err().Any("panic", r).Str("in", what).Log("mainloop: recovered panic")
}

// durationToMs converts a sleep bound to poll(2) milliseconds, rounding any
// positive sub-millisecond remainder up so the loop never spins early.
func durationToMs(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}

// getGoroutineID parses the current goroutine's ID from its stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
