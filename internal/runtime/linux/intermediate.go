//go:build linux

package linux

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/runcell/runcell/internal/oci"
)

// runIntermediate is the middle stage of the bootstrap. It is already
// inside the new mnt/uts/ipc/net namespaces (clone flags on its launch);
// its job is to fork the init process into a fresh PID namespace, relay
// the handshake between parent and init, and then either propagate the
// container's exit status (foreground) or get out of the way (detach).
func runIntermediate(cfg *BootstrapConfig) error {
	parent := ChannelFromFile(os.NewFile(syncFd, "sync-parent"), cfg.syncTimeout())
	defer parent.Close()

	kinds, err := cfg.kinds()
	if err != nil {
		return err
	}

	initCh, initChild, err := NewChannelPair(cfg.syncTimeout())
	if err != nil {
		return fmt.Errorf("create init sync channel: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal init config: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvStage, StageInit),
		fmt.Sprintf("%s=%s", EnvStageConfig, string(cfgJSON)),
	)
	cmd.ExtraFiles = []*os.File{initChild.File()}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if Has(kinds, NSPid) {
		// The clone flag, not unshare: the init process must be PID 1 of
		// the new namespace while this process stays outside it.
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWPID}
	}

	if err := cmd.Start(); err != nil {
		initChild.Close()
		initCh.Close()
		return fmt.Errorf("start init: %w", err)
	}
	initChild.Close()

	// Init performs rootfs preparation before reporting ready; its death
	// before proc-ready is the early-exit case reported upstream.
	m, err := initCh.Recv()
	if errors.Is(err, io.EOF) || (err == nil && m.Type == MsgExecFailed) {
		status := reapStatus(cmd)
		if err == nil {
			_ = parent.Send(m)
		} else {
			_ = parent.Send(Message{Type: MsgChildCrashed, Status: status})
		}
		os.Exit(1)
	}
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("wait for init ready: %w", err)
	}
	if m.Type != MsgProcReady {
		_ = cmd.Process.Kill()
		return fmt.Errorf("unexpected init message %q", m.Type)
	}

	if err := parent.Send(Message{Type: MsgPid, Pid: cmd.Process.Pid}); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("report init pid: %w", err)
	}

	if _, err := parent.RecvType(MsgConfigAck); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("wait for config ack: %w", err)
	}

	if cfg.CreateGate {
		// Block until start opens the write side of the exec fifo. This
		// wait is unbounded: a created container stays parked until
		// started or deleted.
		fifo, err := os.OpenFile(oci.ExecFifoPath(cfg.Bundle), os.O_RDONLY, 0)
		if err != nil {
			_ = cmd.Process.Kill()
			return fmt.Errorf("open exec fifo: %w", err)
		}
		buf := make([]byte, 1)
		_, _ = fifo.Read(buf)
		fifo.Close()
	}

	if err := initCh.Send(Message{Type: MsgConfigAck}); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("forward config ack: %w", err)
	}

	if cfg.Detach {
		// Exiting here reparents the init process to the host PID 1.
		os.Exit(0)
	}

	// Foreground: relay a late exec failure, then propagate the exit
	// status, mapping death-by-signal to 128+signum.
	execErrs := make(chan Message, 1)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			m, err := initCh.Recv()
			if err != nil {
				return
			}
			if m.Type == MsgExecFailed {
				execErrs <- m
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	// The execve (or death) of init closes its channel end; drain any
	// exec-failed message queued ahead of the EOF before deciding.
	<-drained
	initCh.Close()

	select {
	case m := <-execErrs:
		_ = parent.Send(m)
		os.Exit(1)
	default:
	}

	os.Exit(exitCode(waitErr))
	return nil
}

// exitCode maps a Wait error to the container exit code: the literal code
// on normal exit, 128+signum when signaled.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

func reapStatus(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}
