// Package terminal brokers the pseudo-terminal between the caller's tty
// and a container's init process. The parent keeps the master side; the
// replica path crosses the bootstrap handshake and is opened by the init
// process as its controlling terminal.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/moby/term"
)

type Terminal struct {
	master  *os.File
	replica *os.File

	mu       sync.Mutex
	rawState *term.State
	winchCh  chan os.Signal
	done     chan struct{}
}

// Open allocates a master/replica pair. The replica fd is held open until
// the init process has opened its own; otherwise the master would see EIO
// the moment the parent closed the last replica reference.
func Open() (*Terminal, error) {
	master, replica, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	return &Terminal{master: master, replica: replica, done: make(chan struct{})}, nil
}

// ReplicaPath is the /dev/pts path handed to the init process.
func (t *Terminal) ReplicaPath() string {
	return t.replica.Name()
}

// ReleaseReplica drops the parent's replica reference once the container
// side holds its own.
func (t *Terminal) ReleaseReplica() {
	t.replica.Close()
}

// Relay puts the caller's stdin into raw mode and starts the two copy
// loops. It returns immediately; Close tears everything down. The
// caller's stdout sees the container's output, the container sees the
// caller's keystrokes, and window size changes follow SIGWINCH.
func (t *Terminal) Relay() {
	if term.IsTerminal(os.Stdin.Fd()) {
		if state, err := term.SetRawTerminal(os.Stdin.Fd()); err == nil {
			t.mu.Lock()
			t.rawState = state
			t.mu.Unlock()
		}
		_ = pty.InheritSize(os.Stdin, t.master)

		t.winchCh = make(chan os.Signal, 1)
		signal.Notify(t.winchCh, syscall.SIGWINCH)
		go func() {
			for {
				select {
				case <-t.winchCh:
					_ = pty.InheritSize(os.Stdin, t.master)
				case <-t.done:
					return
				}
			}
		}()
	}

	go func() {
		_, _ = io.Copy(t.master, os.Stdin)
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, t.master)
	}()
}

// Close restores the caller's termios and releases the master. Safe to
// call on every exit path, more than once.
func (t *Terminal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}

	if t.winchCh != nil {
		signal.Stop(t.winchCh)
	}
	if t.rawState != nil {
		_ = term.RestoreTerminal(os.Stdin.Fd(), t.rawState)
		t.rawState = nil
	}
	t.master.Close()
	t.replica.Close()
}

// CloseMaster releases the parent's master and replica fds without
// touching termios, used in detach mode after the replica handoff: the
// container keeps its controlling terminal, nobody relays bytes.
func (t *Terminal) CloseMaster() {
	t.master.Close()
	t.replica.Close()
}
