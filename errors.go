package mainloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopTerminated is returned when operations are attempted on a loop
	// whose Run has already returned.
	ErrLoopTerminated = errors.New("mainloop: loop has been terminated")

	// ErrIllegalState indicates a violation of the loop's own invariants,
	// e.g. dispatching a source that is not ready. It is raised via panic and
	// is never recoverable by user code.
	ErrIllegalState = errors.New("mainloop: illegal state")

	// ErrLoopAlreadyRunning is returned when Run is called while another
	// goroutine is already running the loop. It matches ErrIllegalState under
	// errors.Is.
	ErrLoopAlreadyRunning = fmt.Errorf("%w: loop is already running", ErrIllegalState)

	// ErrIllegalControl indicates a byte outside the recognized set was
	// written to the control pipe. Internal; raised via panic.
	ErrIllegalControl = errors.New("mainloop: illegal control byte")

	// ErrFiberProtocol indicates a fiber misused the suspension protocol,
	// e.g. awaiting with a nil thunk. Raised via panic inside the fiber.
	ErrFiberProtocol = errors.New("mainloop: fiber protocol violation")

	// ErrChildSpawn wraps failures to start a child process before a PID was
	// obtained. Returned synchronously from Loop.Spawn.
	ErrChildSpawn = errors.New("mainloop: spawn failed")
)

// fatalInvariant reports whether a recovered panic value is one of the loop's
// own invariant violations, which must not be swallowed by trigger recovery.
func fatalInvariant(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	return errors.Is(err, ErrIllegalState) || errors.Is(err, ErrIllegalControl)
}
