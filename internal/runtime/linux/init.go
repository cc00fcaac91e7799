//go:build linux

package linux

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
)

// defaultEnv is used when the spec supplies no environment, mirroring what
// a login shell inside a minimal rootfs would expect.
var defaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"TERM=xterm",
	"HOME=/root",
}

// runInit is the final bootstrap stage: PID 1 of the container. It wires
// the terminal, prepares the rootfs, reports ready, waits for the ack and
// replaces itself with the user command. It never returns on success.
func runInit(cfg *BootstrapConfig) error {
	// The ack wait is unbounded in create mode: the container may be
	// parked behind the exec fifo for however long the user likes.
	timeout := cfg.syncTimeout()
	if cfg.CreateGate {
		timeout = 0
	}
	ch := ChannelFromFile(os.NewFile(syncFd, "sync-init"), timeout)

	// The stage config must not leak into the user command.
	os.Unsetenv(EnvStage)
	os.Unsetenv(EnvStageConfig)

	kinds, err := cfg.kinds()
	if err != nil {
		return err
	}

	// The console replica lives on the host devpts; it must be opened
	// before the pivot makes that path unreachable. The fd survives.
	if cfg.ConsolePath != "" {
		if err := setupConsole(cfg.ConsolePath); err != nil {
			return err
		}
	}

	if Has(kinds, NSUts) && cfg.Hostname != "" {
		if err := SetHostname(cfg.Hostname); err != nil {
			return err
		}
	}

	if Has(kinds, NSMount) {
		if err := PrepareRootfs(cfg.Rootfs); err != nil {
			return err
		}
	}

	cwd := cfg.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := os.Chdir(cwd); err != nil {
		return errdefs.IsolationFailure(fmt.Sprintf("chdir %s", cwd), err)
	}

	if err := ch.Send(Message{Type: MsgProcReady}); err != nil {
		return fmt.Errorf("send proc ready: %w", err)
	}

	if _, err := ch.RecvType(MsgConfigAck); err != nil {
		return fmt.Errorf("wait for config ack: %w", err)
	}

	env := cfg.Env
	if len(env) == 0 {
		env = defaultEnv
	}

	// Resolve the binary inside the container's filesystem view.
	argv0 := cfg.Args[0]
	if resolved, err := lookPath(argv0, env); err == nil {
		argv0 = resolved
	}

	// The sync fd must not survive into the user command; closing it on
	// exec also tells the intermediate the execve happened.
	unix.CloseOnExec(syncFd)

	execErr := unix.Exec(argv0, cfg.Args, env)
	// Only reached when execve was refused.
	errno, ok := execErr.(unix.Errno)
	if !ok {
		errno = unix.ENOENT
	}
	_ = ch.Send(Message{Type: MsgExecFailed, Errno: int(errno)})
	// Give the seqpacket a moment to flush before the process dies.
	time.Sleep(10 * time.Millisecond)
	os.Exit(1)
	return nil
}

// lookPath resolves a bare command name against the PATH entries in env.
func lookPath(name string, env []string) (string, error) {
	if len(name) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if name[0] == '/' || name[0] == '.' {
		return name, nil
	}
	for _, kv := range env {
		const prefix = "PATH="
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			os.Setenv("PATH", kv[len(prefix):])
			break
		}
	}
	return exec.LookPath(name)
}

// setupConsole makes path this process's controlling terminal and routes
// stdio through it.
func setupConsole(path string) error {
	// A fresh session is required before TIOCSCTTY can claim the tty.
	if _, err := unix.Setsid(); err != nil {
		return errdefs.IsolationFailure("setsid", err)
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return errdefs.IsolationFailure(fmt.Sprintf("open console %s", path), err)
	}
	if err := unix.IoctlSetInt(fd, unix.TIOCSCTTY, 0); err != nil {
		unix.Close(fd)
		return errdefs.IsolationFailure("set controlling terminal", err)
	}
	for _, std := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, std); err != nil {
			unix.Close(fd)
			return errdefs.IsolationFailure("dup console to stdio", err)
		}
	}
	if fd > 2 {
		unix.Close(fd)
	}
	return nil
}
