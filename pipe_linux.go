//go:build linux

package mainloop

import "golang.org/x/sys/unix"

// newPipePair creates a pipe with both ends close-on-exec and the read end
// non-blocking (Linux, pipe2).
func newPipePair() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return -1, -1, err
	}
	return p[0], p[1], nil
}
