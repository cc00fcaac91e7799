//go:build linux

package linux

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/runcell/runcell/internal/errdefs"
)

// Stage re-exec environment. A runcell process whose environment carries
// EnvStage is one of the short-lived bootstrap helpers, not a CLI
// invocation; cmd/runcell intercepts it before argument parsing.
const (
	EnvStage       = "RUNCELL_STAGE"
	EnvStageConfig = "RUNCELL_STAGE_CONFIG"

	StageIntermediate = "intermediate"
	StageInit         = "init"
	StageJoin         = "join"
)

// syncFd is the inherited sync-channel descriptor in every stage process:
// the first ExtraFiles entry lands after stderr.
const syncFd = 3

// BootstrapConfig travels from the parent through the intermediate to the
// init stage, JSON-encoded in the stage environment.
type BootstrapConfig struct {
	ID         string   `json:"id"`
	Bundle     string   `json:"bundle"`
	Rootfs     string   `json:"rootfs"`
	Hostname   string   `json:"hostname,omitempty"`
	Namespaces []string `json:"namespaces"`
	Args       []string `json:"args"`
	Env        []string `json:"env,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`

	// ConsolePath is the PTY replica the init process opens as its
	// controlling terminal; empty means inherit stdio.
	ConsolePath string `json:"console_path,omitempty"`

	// CreateGate makes the intermediate block on bundle/exec.fifo before
	// relaying the config ack, so a created container waits for start.
	CreateGate bool `json:"create_gate,omitempty"`

	// Detach makes the intermediate exit right after the handshake so the
	// init process reparents to the host PID 1.
	Detach bool `json:"detach,omitempty"`

	SyncTimeoutMs int `json:"sync_timeout_ms,omitempty"`
}

func (c *BootstrapConfig) syncTimeout() time.Duration {
	if c.SyncTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SyncTimeoutMs) * time.Millisecond
}

func (c *BootstrapConfig) kinds() ([]Kind, error) {
	kinds := make([]Kind, 0, len(c.Namespaces))
	for _, name := range c.Namespaces {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Stage returns the stage name this process was re-exec'd as, or "".
func Stage() string {
	return os.Getenv(EnvStage)
}

// RunStage dispatches a stage process. It only returns on error; a
// successful init stage never comes back from execve, and the other
// stages exit through os.Exit.
func RunStage() error {
	cfgJSON := os.Getenv(EnvStageConfig)
	if cfgJSON == "" {
		return fmt.Errorf("missing %s", EnvStageConfig)
	}

	switch Stage() {
	case StageIntermediate:
		var cfg BootstrapConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return fmt.Errorf("parse intermediate config: %w", err)
		}
		return runIntermediate(&cfg)
	case StageInit:
		var cfg BootstrapConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return fmt.Errorf("parse init config: %w", err)
		}
		return runInit(&cfg)
	case StageJoin:
		var cfg JoinConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return fmt.Errorf("parse join config: %w", err)
		}
		return runJoin(&cfg)
	default:
		return fmt.Errorf("unknown stage %q", Stage())
	}
}

// Bootstrap is the parent's handle on an in-flight container launch.
type Bootstrap struct {
	cfg          *BootstrapConfig
	intermediate *exec.Cmd
	ch           *Channel
	logger       *slog.Logger

	execFailed chan Message
}

// Stdio selects the descriptors the init process inherits through the
// intermediate. A nil field reads from or writes to /dev/null. Ignored
// when a console is configured: the init process routes its stdio through
// the PTY replica instead.
type Stdio struct {
	In  *os.File
	Out *os.File
	Err *os.File
}

// Launch starts the intermediate stage. The intermediate is born inside
// the new mnt/uts/ipc/net namespaces via clone flags; the PID namespace is
// deferred to the init launch so the init process, not the intermediate,
// becomes PID 1.
func Launch(cfg *BootstrapConfig, stdio Stdio, logger *slog.Logger) (*Bootstrap, error) {
	kinds, err := cfg.kinds()
	if err != nil {
		return nil, err
	}

	parentCh, childCh, err := NewChannelPair(cfg.syncTimeout())
	if err != nil {
		return nil, fmt.Errorf("create sync channel: %w", err)
	}
	defer childCh.Close()

	self, err := os.Executable()
	if err != nil {
		parentCh.Close()
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		parentCh.Close()
		return nil, fmt.Errorf("marshal bootstrap config: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvStage, StageIntermediate),
		fmt.Sprintf("%s=%s", EnvStageConfig, string(cfgJSON)),
	)
	cmd.ExtraFiles = []*os.File{childCh.File()}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: CloneFlags(kinds, NSPid),
	}
	cmd.Stdin = stdio.In
	cmd.Stdout = stdio.Out
	cmd.Stderr = stdio.Err

	if err := cmd.Start(); err != nil {
		parentCh.Close()
		return nil, errdefs.IsolationFailure("start intermediate", err)
	}

	logger.Debug("intermediate started", "container_id", cfg.ID, "pid", cmd.Process.Pid)

	return &Bootstrap{
		cfg:          cfg,
		intermediate: cmd,
		ch:           parentCh,
		logger:       logger,
		execFailed:   make(chan Message, 1),
	}, nil
}

// WaitInitPid blocks until the intermediate reports the init process's
// host PID, translating early-death messages into the error taxonomy.
func (b *Bootstrap) WaitInitPid() (int, error) {
	for {
		m, err := b.ch.Recv()
		if errors.Is(err, io.EOF) {
			status := b.reapIntermediate()
			return 0, &errdefs.ChildCrashedStatus{Status: status}
		}
		if err != nil {
			b.Abort()
			return 0, err
		}
		switch m.Type {
		case MsgPid:
			return m.Pid, nil
		case MsgExecFailed:
			b.reapIntermediate()
			return 0, &errdefs.ExecFailedErrno{Errno: m.Errno}
		case MsgChildCrashed:
			b.reapIntermediate()
			return 0, &errdefs.ChildCrashedStatus{Status: m.Status}
		default:
			b.logger.Debug("ignoring sync message", "type", string(m.Type))
		}
	}
}

// Ack releases the init process toward execve. In create mode the
// intermediate holds the ack behind the exec.fifo gate.
func (b *Bootstrap) Ack() error {
	return b.ch.Send(Message{Type: MsgConfigAck})
}

// WaitExit reaps the intermediate and returns the container exit code it
// propagated. A late exec-failed message takes precedence over the code.
func (b *Bootstrap) WaitExit() (int, error) {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			m, err := b.ch.Recv()
			if err != nil {
				return
			}
			if m.Type == MsgExecFailed {
				b.execFailed <- m
				return
			}
		}
	}()

	err := b.intermediate.Wait()
	// The intermediate's exit closes its channel end; the reader drains
	// any exec-failed message queued ahead of the EOF.
	<-drained
	b.ch.Close()

	select {
	case m := <-b.execFailed:
		return 1, &errdefs.ExecFailedErrno{Errno: m.Errno}
	default:
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("wait intermediate: %w", err)
}

// Detach reaps the intermediate, which exits right after the handshake in
// detached and create modes.
func (b *Bootstrap) Detach() error {
	defer b.ch.Close()
	if err := b.intermediate.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &errdefs.ChildCrashedStatus{Status: exitErr.ExitCode()}
		}
		return fmt.Errorf("wait intermediate: %w", err)
	}
	return nil
}

// Release closes the parent's channel end without reaping: used by create,
// where the intermediate outlives this process holding the fifo gate.
func (b *Bootstrap) Release() {
	b.ch.Close()
	_ = b.intermediate.Process.Release()
}

// Abort kills the intermediate (the init process dies with its namespace
// pipeline) and reaps it. Used on any create/run failure.
func (b *Bootstrap) Abort() {
	if b.intermediate.Process != nil {
		_ = b.intermediate.Process.Kill()
	}
	_, _ = b.intermediate.Process.Wait()
	b.ch.Close()
}

// IntermediatePid exposes the intermediate's PID for diagnostics.
func (b *Bootstrap) IntermediatePid() int {
	return b.intermediate.Process.Pid
}

func (b *Bootstrap) reapIntermediate() int {
	b.ch.Close()
	err := b.intermediate.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
