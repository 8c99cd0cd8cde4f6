//go:build darwin

package mainloop

import "golang.org/x/sys/unix"

// newPipePair creates a pipe with both ends close-on-exec and the read end
// non-blocking (Darwin lacks pipe2; flags are applied after creation).
func newPipePair() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	if err := unix.SetNonblock(p[0], true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return -1, -1, err
	}
	return p[0], p[1], nil
}
