package mainloop

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pipeReadChunk bounds a single non-blocking consume of the read end.
const pipeReadChunk = 4096

// PipeSource owns an OS pipe pair and becomes readable when the kernel has
// bytes buffered on the read end. The read end is non-blocking and
// close-on-exec; the write end is left blocking and is intended for short
// control payloads only.
type PipeSource struct {
	sourceCore
	r int
	w int
}

// NewPipeSource creates the pipe pair and wraps it in a source.
func NewPipeSource() (*PipeSource, error) {
	r, w, err := newPipePair()
	if err != nil {
		return nil, err
	}
	p := &PipeSource{r: r, w: w}
	p.onClose = func() {
		_ = unix.Close(r)
		if w >= 0 {
			_ = unix.Close(w)
		}
	}
	return p, nil
}

// Watch exposes the read end for the loop's multiplexer.
func (p *PipeSource) Watch() (int, WatchDir, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, 0, false
	}
	return p.r, WatchRead, true
}

// Write enqueues bytes on the write end. It may block when the pipe is full;
// callers are expected to write short control messages only.
func (p *PipeSource) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed || p.w < 0 {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	w := p.w
	p.mu.Unlock()
	return unix.Write(w, b)
}

// CloseWrite closes only the write end. The read side observes EOF on its
// next consume and the source closes itself.
func (p *PipeSource) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.w < 0 {
		return os.ErrClosed
	}
	err := unix.Close(p.w)
	p.w = -1
	r := p.r
	p.onClose = func() { _ = unix.Close(r) }
	return err
}

// Timeout: a pipe contributes no sleep bound; readiness comes from poll.
func (p *PipeSource) Timeout() (time.Duration, bool) { return 0, false }

// Dispatch consumes up to one chunk from the pipe and delivers it to the
// trigger as []byte. At EOF the source closes without invoking the trigger.
func (p *PipeSource) Dispatch() { p.dispatchPipe(nil) }

// dispatchPipe is shared with UnixSignalSource, which supplies its own event
// factory over the raw chunk.
func (p *PipeSource) dispatchPipe(transform func(any) any) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.ready {
		p.mu.Unlock()
		panic(ErrIllegalState)
	}
	p.ready = false
	p.data = nil
	r := p.r
	trigger := p.trigger
	p.mu.Unlock()

	buf, err := readChunkFD(r)
	switch {
	case err == io.EOF:
		p.Close()
		return
	case err == unix.EAGAIN || err == unix.EINTR:
		// Spurious wakeup; stay armed.
		return
	case err != nil:
		p.Close()
		return
	}

	var data any = buf
	if transform != nil {
		data = transform(data)
	}
	if trigger != nil && !trigger(data) {
		p.Close()
	}
}

// setWriteNonblock flips the write end to non-blocking. Used by signal
// forwarding, which must never stall on a full pipe.
func (p *PipeSource) setWriteNonblock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.w < 0 {
		return os.ErrClosed
	}
	return unix.SetNonblock(p.w, true)
}

// readChunkFD performs one non-blocking read of up to pipeReadChunk bytes.
// Returns io.EOF when the write side has closed and the pipe is drained.
func readChunkFD(fd int) ([]byte, error) {
	buf := make([]byte, pipeReadChunk)
	n, err := unix.Read(fd, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if n == 0 && err == nil {
		return nil, io.EOF
	}
	return nil, err
}
