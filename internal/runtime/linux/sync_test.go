//go:build linux

package linux

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcell/runcell/internal/errdefs"
)

func newTestPair(t *testing.T, timeout time.Duration) (*Channel, *Channel) {
	t.Helper()
	a, b, err := NewChannelPair(timeout)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestChannelRoundTrip(t *testing.T) {
	a, b := newTestPair(t, time.Second)

	require.NoError(t, a.Send(Message{Type: MsgPid, Pid: 1234}))
	require.NoError(t, a.Send(Message{Type: MsgExecFailed, Errno: 2}))

	m, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, MsgPid, m.Type)
	assert.Equal(t, 1234, m.Pid)

	// Packet boundaries keep the two messages apart.
	m, err = b.Recv()
	require.NoError(t, err)
	assert.Equal(t, MsgExecFailed, m.Type)
	assert.Equal(t, 2, m.Errno)
}

func TestChannelRecvType(t *testing.T) {
	a, b := newTestPair(t, time.Second)

	require.NoError(t, a.Send(Message{Type: MsgConfigAck}))
	_, err := b.RecvType(MsgConfigAck)
	require.NoError(t, err)

	require.NoError(t, a.Send(Message{Type: MsgProcReady}))
	_, err = b.RecvType(MsgConfigAck)
	assert.Error(t, err)
}

func TestChannelTimeout(t *testing.T) {
	_, b := newTestPair(t, 50*time.Millisecond)

	start := time.Now()
	_, err := b.Recv()
	assert.True(t, errors.Is(err, errdefs.ErrSyncTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChannelEOFOnPeerClose(t *testing.T) {
	a, b, err := NewChannelPair(time.Second)
	require.NoError(t, err)
	defer b.Close()

	a.Close()
	_, err = b.Recv()
	assert.Equal(t, io.EOF, err)
}
