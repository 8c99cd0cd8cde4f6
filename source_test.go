package mainloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceCore_MarkReadyAndDispatch(t *testing.T) {
	var got any
	var c sourceCore
	c.OnTrigger(func(data any) bool {
		got = data
		return true
	})

	require.False(t, c.Ready())
	c.MarkReady("payload")
	require.True(t, c.Ready())

	c.Dispatch()
	assert.Equal(t, "payload", got)
	assert.False(t, c.Ready(), "event data must be consumed")
	assert.False(t, c.Closed())
}

func TestSourceCore_TriggerFalseCloses(t *testing.T) {
	var c sourceCore
	c.OnTrigger(func(any) bool { return false })

	c.MarkReady(nil)
	c.Dispatch()
	assert.True(t, c.Closed())

	// Posting to a closed source is a no-op.
	c.MarkReady(nil)
	assert.False(t, c.Ready())
}

func TestSourceCore_DispatchNotReadyPanics(t *testing.T) {
	var c sourceCore
	defer func() {
		r := recover()
		require.NotNil(t, r, "dispatch of a non-ready source must panic")
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrIllegalState))
	}()
	c.Dispatch()
}

func TestSourceCore_CloseIdempotent(t *testing.T) {
	var closes int
	var c sourceCore
	c.onClose = func() { closes++ }

	c.Close()
	c.Close()
	c.Close()
	assert.Equal(t, 1, closes)
	assert.True(t, c.Closed())
}

func TestIdleSource_AlwaysReadyUntilClosed(t *testing.T) {
	s := NewIdleSource()
	assert.True(t, s.Ready())

	d, ok := s.Timeout()
	require.True(t, ok)
	assert.Equal(t, int64(0), int64(d), "idle must degenerate the poll to a non-blocking check")

	s.Dispatch() // no trigger installed; stays alive
	assert.True(t, s.Ready())

	s.Close()
	assert.False(t, s.Ready())
}

func TestWatchDir_String(t *testing.T) {
	assert.Equal(t, "read", WatchRead.String())
	assert.Equal(t, "write", WatchWrite.String())
}
