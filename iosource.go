package mainloop

import (
	"golang.org/x/sys/unix"
)

// ioReadChunk bounds a single read in the AddRead drain loop.
const ioReadChunk = 4096

// IOSource watches an externally supplied descriptor for read or write
// readiness. The descriptor remains owned by the caller unless AutoClose is
// set, in which case it is closed together with the source.
type IOSource struct {
	sourceCore
	fd        int
	dir       WatchDir
	autoClose bool
}

// NewIOSource wraps fd for the given direction.
func NewIOSource(fd int, dir WatchDir) *IOSource {
	s := &IOSource{fd: fd, dir: dir}
	s.onClose = func() {
		if s.autoClose {
			_ = unix.Close(fd)
		}
	}
	return s
}

// SetAutoClose governs whether the descriptor is closed when the source is.
// Call before registering the source.
func (s *IOSource) SetAutoClose(v bool) {
	s.mu.Lock()
	s.autoClose = v
	s.mu.Unlock()
}

// FD returns the watched descriptor.
func (s *IOSource) FD() int { return s.fd }

// Watch exposes the descriptor and direction to the loop's multiplexer.
func (s *IOSource) Watch() (int, WatchDir, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, 0, false
	}
	return s.fd, s.dir, true
}

// readTrigger builds the AddRead trigger: drain fd with non-blocking reads
// until EAGAIN (stay armed), EOF (cb(nil, nil), close), or error
// (cb(nil, err), close). Every non-empty read, of up to ioReadChunk bytes, is
// delivered via cb(buf, nil).
func readTrigger(fd int, cb func([]byte, error) bool) func(any) bool {
	return func(any) bool {
		for {
			buf := make([]byte, ioReadChunk)
			n, err := unix.Read(fd, buf)
			if n > 0 {
				if !cb(buf[:n], nil) {
					return false
				}
				continue
			}
			if n == 0 && err == nil {
				cb(nil, nil)
				return false
			}
			if err == unix.EAGAIN {
				return true
			}
			if err == unix.EINTR {
				continue
			}
			cb(nil, err)
			return false
		}
	}
}

// writeTrigger builds the AddWrite trigger: write the remaining suffix per
// readiness event until everything is flushed (cb(nil), close), EAGAIN (stay
// armed), or error (cb(err), close). Accounting is in bytes, never runes.
func writeTrigger(fd int, buf []byte, cb func(error)) func(any) bool {
	remaining := buf
	return func(any) bool {
		for len(remaining) > 0 {
			n, err := unix.Write(fd, remaining)
			if n > 0 {
				remaining = remaining[n:]
				continue
			}
			if err == unix.EAGAIN {
				return true
			}
			if err == unix.EINTR {
				continue
			}
			if err == nil {
				err = unix.EIO
			}
			if cb != nil {
				cb(err)
			}
			return false
		}
		if cb != nil {
			cb(nil)
		}
		return false
	}
}
