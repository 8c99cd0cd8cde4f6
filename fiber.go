package mainloop

import (
	"fmt"
	"runtime"
	"sync"
)

// Fiber is the handle a fiber body uses to suspend itself on the loop.
//
// A fiber body runs on its own goroutine, but strictly interleaved with the
// loop: the loop goroutine blocks while the body runs, and the body blocks
// while suspended. At most one suspension is outstanding at any time.
type Fiber struct {
	src *FiberSource
}

// Yield suspends the fiber until the next loop iteration, cooperatively
// giving way to other sources.
func (f *Fiber) Yield() {
	f.src.suspend(fiberYield{})
}

// Await suspends the fiber on an asynchronous result. On the next loop
// iteration the loop constructs a fresh Task and invokes thunk with it, in
// dispatch context on the loop goroutine. The thunk arranges - possibly from
// another goroutine - for Task.Done(v) to eventually be called; the fiber
// then resumes and Await returns v.
//
// A nil thunk panics with ErrFiberProtocol.
func (f *Fiber) Await(thunk func(*Task)) any {
	if thunk == nil {
		panic(fmt.Errorf("%w: await requires a thunk", ErrFiberProtocol))
	}
	return f.src.suspend(fiberYield{thunk: thunk})
}

// Task is a one-shot handle completing a fiber's Await.
type Task struct {
	src  *FiberSource
	once sync.Once
}

// Done resumes the awaiting fiber with v on the loop's next iteration and
// wakes the loop. Safe from any goroutine; calls after the first are no-ops,
// as are calls on a task whose fiber has been closed.
func (t *Task) Done(v any) {
	t.once.Do(func() {
		t.src.MarkReady(v)
		t.src.loop.SendWakeup()
	})
}

// fiberYield is what a suspending fiber hands back to the loop: a plain tick
// yield (zero value), an await (thunk set), or completion (done).
type fiberYield struct {
	thunk func(*Task)
	done  bool
}

// FiberSource runs a user coroutine as a source. It is ready exactly when a
// resume is pending: initially (to start the body), after a plain Yield
// (resume next iteration), after an Await (to invoke the thunk), and once
// Task.Done posts the awaited value. When the body returns, the source
// closes.
type FiberSource struct {
	sourceCore
	loop    *Loop
	body    func(*Fiber)
	resume  chan any
	yield   chan fiberYield
	quit    chan struct{}
	thunk   func(*Task)
	started bool
}

// NewFiberSource wraps body as a source on loop. The body does not start
// until the source's first dispatch.
func NewFiberSource(loop *Loop, body func(*Fiber)) *FiberSource {
	fs := &FiberSource{
		loop:   loop,
		body:   body,
		resume: make(chan any),
		yield:  make(chan fiberYield),
		quit:   make(chan struct{}),
	}
	fs.onClose = func() { close(fs.quit) }
	fs.ready = true
	return fs
}

// Dispatch either invokes a pending await thunk or resumes the fiber with
// the pending value. Runs only on the loop goroutine.
func (fs *FiberSource) Dispatch() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	if !fs.ready {
		fs.mu.Unlock()
		panic(ErrIllegalState)
	}
	fs.ready = false
	v := fs.data
	fs.data = nil
	thunk := fs.thunk
	fs.thunk = nil
	fs.mu.Unlock()

	if thunk != nil {
		thunk(&Task{src: fs})
		return
	}
	fs.resumeFiber(v)
}

// resumeFiber hands v to the suspended body and blocks until the next
// suspension (or completion), recording the resulting state.
func (fs *FiberSource) resumeFiber(v any) {
	if !fs.started {
		fs.started = true
		go fs.run()
	}

	select {
	case fs.resume <- v:
	case <-fs.quit:
		return
	}

	select {
	case y := <-fs.yield:
		switch {
		case y.done:
			fs.Close()
		case y.thunk != nil:
			fs.mu.Lock()
			if !fs.closed {
				fs.thunk = y.thunk
				fs.ready = true
			}
			fs.mu.Unlock()
		default:
			fs.MarkReady(nil)
		}
	case <-fs.quit:
	}
}

// run hosts the fiber body. A panicking body is reported through the loop's
// logger and closes the source, like any other trigger failure.
func (fs *FiberSource) run() {
	defer func() {
		if r := recover(); r != nil {
			fs.loop.logPanic("fiber", r)
			select {
			case fs.yield <- fiberYield{done: true}:
			case <-fs.quit:
			}
		}
	}()

	select {
	case <-fs.resume: // the starting resume carries no value
	case <-fs.quit:
		return
	}
	fs.body(&Fiber{src: fs})

	select {
	case fs.yield <- fiberYield{done: true}:
	case <-fs.quit:
	}
}

// suspend parks the body until the loop resumes it. If the source is closed
// while suspended, the body goroutine exits (deferred functions still run).
func (fs *FiberSource) suspend(y fiberYield) any {
	select {
	case fs.yield <- y:
	case <-fs.quit:
		runtime.Goexit()
	}
	select {
	case v := <-fs.resume:
		return v
	case <-fs.quit:
		runtime.Goexit()
	}
	return nil
}
