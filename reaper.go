package mainloop

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Status describes a terminated child process.
type Status struct {
	ws  unix.WaitStatus
	pid int
}

// Pid returns the child's process ID.
func (s Status) Pid() int { return s.pid }

// Exited reports whether the child exited normally.
func (s Status) Exited() bool { return s.ws.Exited() }

// ExitStatus returns the exit code, or -1 if the child did not exit normally.
func (s Status) ExitStatus() int { return s.ws.ExitStatus() }

// Success reports a normal exit with status zero.
func (s Status) Success() bool { return s.ws.Exited() && s.ws.ExitStatus() == 0 }

// Signaled reports whether the child was terminated by a signal.
func (s Status) Signaled() bool { return s.ws.Signaled() }

// Signal returns the terminating signal, or -1 when not Signaled.
func (s Status) Signal() syscall.Signal {
	if !s.ws.Signaled() {
		return -1
	}
	return s.ws.Signal()
}

// Stopped reports whether the child is currently stopped.
func (s Status) Stopped() bool { return s.ws.Stopped() }

// CoreDump reports whether the terminating signal produced a core dump.
func (s Status) CoreDump() bool { return s.ws.CoreDump() }

// String renders the status for diagnostics.
func (s Status) String() string {
	switch {
	case s.ws.Exited():
		return fmt.Sprintf("pid %d exited with status %d", s.pid, s.ws.ExitStatus())
	case s.ws.Signaled():
		return fmt.Sprintf("pid %d killed by signal %d", s.pid, int(s.ws.Signal()))
	default:
		return fmt.Sprintf("pid %d status %#x", s.pid, uint32(s.ws))
	}
}

// Spawn starts argv as a child process, with stdio bound to /dev/null, and
// arranges for onExit to be invoked with the child's Status on the loop
// goroutine once it terminates. onExit may be nil, in which case the child is
// reaped silently. Returns the child's PID.
//
// The first call installs an internal SIGCHLD source; reaping is strictly
// per-pid (never PID -1), so children managed outside the loop are not
// disturbed. Children still tracked when the loop terminates are detached.
func (l *Loop) Spawn(argv []string, onExit func(Status)) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("%w: empty argv", ErrChildSpawn)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrChildSpawn, err)
	}

	// Install the reaper before forking so a fast-exiting child cannot beat
	// the SIGCHLD interest.
	if err := l.ensureReaper(); err != nil {
		return 0, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrChildSpawn, err)
	}
	defer devNull.Close()

	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{devNull, devNull, devNull},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrChildSpawn, err)
	}
	pid := proc.Pid
	_ = proc.Release()

	l.mu.Lock()
	if l.children != nil {
		l.children[pid] = onExit
	}
	l.mu.Unlock()

	l.logger.Debug().Int("pid", pid).Str("path", path).Log("mainloop: spawned child")

	// The child may have exited before it was recorded, with its SIGCHLD
	// token consumed before the table entry existed. Sweep once on the loop
	// goroutine to catch that window; completion callbacks only ever run
	// there.
	_, _ = l.AddOnce(0, l.reapChildren)

	return pid, nil
}

// ensureReaper lazily installs the SIGCHLD source backing Spawn.
func (l *Loop) ensureReaper() error {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	if l.reaper != nil && !l.reaper.Closed() {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	src, err := NewUnixSignalSource(unix.SIGCHLD)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChildSpawn, err)
	}
	src.OnTrigger(func(any) bool {
		l.reapChildren()
		return true
	})
	if err := l.AddSource(src); err != nil {
		src.Close()
		return err
	}

	l.mu.Lock()
	l.reaper = src
	l.mu.Unlock()
	return nil
}

// reapChildren does a non-blocking wait per tracked pid, invoking completion
// callbacks for the terminated and forgetting the vanished.
func (l *Loop) reapChildren() {
	l.mu.Lock()
	pids := make([]int, 0, len(l.children))
	for pid := range l.children {
		pids = append(pids, pid)
	}
	l.mu.Unlock()

	for _, pid := range pids {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.ECHILD:
			// Reaped elsewhere; nothing further to report.
			l.forgetChild(pid)
		case err == unix.EINTR:
			// Retry on the next SIGCHLD.
		case err != nil:
			l.logger.Warning().Err(err).Int("pid", pid).Log("mainloop: wait4 failed")
		case wpid == pid && (ws.Exited() || ws.Signaled()):
			onExit := l.forgetChild(pid)
			l.logger.Debug().Int("pid", pid).Stringer("status", Status{ws: ws, pid: pid}).Log("mainloop: reaped child")
			if onExit != nil {
				onExit(Status{ws: ws, pid: pid})
			}
		}
	}
}

func (l *Loop) forgetChild(pid int) func(Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb := l.children[pid]
	delete(l.children, pid)
	return cb
}
