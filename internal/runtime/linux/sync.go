//go:build linux

package linux

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
)

// Message types exchanged during the bootstrap handshake.
type MsgType string

const (
	// MsgPid carries the init process's host-visible PID upstream.
	MsgPid MsgType = "pid"
	// MsgProcReady: the init process finished rootfs and terminal setup
	// and is waiting for the go-ahead.
	MsgProcReady MsgType = "proc-ready"
	// MsgConfigAck: the caller recorded state and placed the init PID in
	// its cgroup; the init process may exec.
	MsgConfigAck MsgType = "config-ack"
	// MsgExecFailed: the final execve was refused; Errno says why.
	MsgExecFailed MsgType = "exec-failed"
	// MsgChildCrashed: the init process died before completing the
	// handshake; Status carries its wait status.
	MsgChildCrashed MsgType = "child-crashed"
)

type Message struct {
	Type   MsgType `json:"type"`
	Pid    int     `json:"pid,omitempty"`
	Errno  int     `json:"errno,omitempty"`
	Status int     `json:"status,omitempty"`
	Msg    string  `json:"msg,omitempty"`
}

// Channel is one end of a SOCK_SEQPACKET socketpair. Packet boundaries
// frame the JSON messages, so no length prefix is needed.
type Channel struct {
	f       *os.File
	timeout time.Duration
}

const maxMessageSize = 4096

// NewChannelPair creates a connected pair. Both fds carry CLOEXEC; the end
// handed to a child must travel via ExtraFiles, which clears the flag on
// the duplicated descriptor only.
func NewChannelPair(timeout time.Duration) (parent, child *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parent = &Channel{f: os.NewFile(uintptr(fds[0]), "sync-parent"), timeout: timeout}
	child = &Channel{f: os.NewFile(uintptr(fds[1]), "sync-child"), timeout: timeout}
	return parent, child, nil
}

// ChannelFromFile adopts an inherited descriptor (fd 3 in a stage process).
func ChannelFromFile(f *os.File, timeout time.Duration) *Channel {
	return &Channel{f: f, timeout: timeout}
}

// File exposes the underlying file for ExtraFiles handoff.
func (c *Channel) File() *os.File { return c.f }

func (c *Channel) Close() error { return c.f.Close() }

func (c *Channel) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal sync message: %w", err)
	}
	if _, err := c.f.Write(data); err != nil {
		return fmt.Errorf("write sync message: %w", err)
	}
	return nil
}

// Recv blocks for the next message, up to the channel deadline. A closed
// peer yields io.EOF so callers can distinguish death from silence.
func (c *Channel) Recv() (Message, error) {
	if err := c.waitReadable(); err != nil {
		return Message{}, err
	}

	buf := make([]byte, maxMessageSize)
	n, err := c.f.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read sync message: %w", err)
	}
	if n == 0 {
		return Message{}, io.EOF
	}

	var m Message
	if err := json.Unmarshal(buf[:n], &m); err != nil {
		return Message{}, fmt.Errorf("parse sync message: %w", err)
	}
	return m, nil
}

// RecvType reads the next message and requires it to be of type want.
func (c *Channel) RecvType(want MsgType) (Message, error) {
	m, err := c.Recv()
	if err != nil {
		return Message{}, err
	}
	if m.Type != want {
		return m, fmt.Errorf("unexpected sync message %q (want %q)", m.Type, want)
	}
	return m, nil
}

func (c *Channel) waitReadable() error {
	if c.timeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(c.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no sync message within %s", errdefs.ErrSyncTimeout, c.timeout)
		}
		fds := []unix.PollFd{{Fd: int32(c.f.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll sync channel: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: no sync message within %s", errdefs.ErrSyncTimeout, c.timeout)
		}
		return nil
	}
}
