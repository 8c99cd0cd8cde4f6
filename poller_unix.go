//go:build linux || darwin

package mainloop

import "golang.org/x/sys/unix"

// IOEvents represents the readiness conditions reported for a descriptor.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// pollWait blocks in poll(2) for at most timeoutMs milliseconds (-1 blocks
// indefinitely). EINTR is swallowed and reported as zero events, matching the
// loop's treat-as-spurious policy.
func pollWait(fds []unix.PollFd, timeoutMs int) (int, error) {
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// pollEvents converts a watch direction to poll(2) interest flags.
func pollEvents(dir WatchDir) int16 {
	if dir == WatchWrite {
		return unix.POLLOUT
	}
	return unix.POLLIN
}

// reventsToIOEvents converts poll(2) revents to IOEvents.
func reventsToIOEvents(revents int16) IOEvents {
	var events IOEvents
	if revents&unix.POLLIN != 0 {
		events |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

// reventsReady reports whether revents carries anything dispatch-worthy.
func reventsReady(revents int16) bool {
	return revents&(unix.POLLIN|unix.POLLOUT|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
}
