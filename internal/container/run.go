//go:build linux

package container

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/oci"
	"github.com/runcell/runcell/internal/runtime/linux"
	"github.com/runcell/runcell/internal/state"
	"github.com/runcell/runcell/internal/terminal"
)

// killGracePeriod is how long a forwarded SIGTERM gets before SIGKILL.
const killGracePeriod = 10 * time.Second

type RunOptions struct {
	ID          string
	Image       string
	Args        []string
	Env         []string
	Cwd         string
	TTY         bool
	Interactive bool
	Detach      bool
	Resources   oci.Resources
}

type CreateOptions struct {
	ID        string
	Rootfs    string
	Bundle    string
	Args      []string
	Env       []string
	Cwd       string
	TTY       bool
	Resources oci.Resources
}

// Run creates and starts a container in one motion. In foreground mode it
// blocks until the container exits and returns the propagated exit code;
// in detach mode it returns as soon as the container is Running.
func (m *Manager) Run(opts RunOptions) (int, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateID(id); err != nil {
		return 1, err
	}
	if len(opts.Args) == 0 {
		return 1, errdefs.InvalidArgument("no command given")
	}
	if err := m.claimID(id); err != nil {
		return 1, err
	}

	rootfs, err := m.images.Prepare(opts.Image, id)
	if err != nil {
		return 1, err
	}

	spec := &oci.Spec{
		Hostname: id,
		Rootfs:   rootfs,
		Process: oci.Process{
			Args:     opts.Args,
			Env:      opts.Env,
			Cwd:      opts.Cwd,
			Terminal: opts.TTY,
		},
		Namespaces: namespaceNames(linux.AllKinds),
		Resources:  opts.Resources,
	}

	code, err := m.launch(id, spec, launchMode{detach: opts.Detach, tty: opts.TTY, interactive: opts.Interactive})
	if err != nil {
		return 1, err
	}
	return code, nil
}

// Create runs the bootstrap up to the point where the init process is
// parked behind the exec fifo, then returns with the container Created.
func (m *Manager) Create(opts CreateOptions) error {
	if err := ValidateID(opts.ID); err != nil {
		return err
	}
	args := opts.Args
	if len(args) == 0 {
		args = []string{"/bin/sh"}
	}
	if opts.Rootfs == "" {
		return errdefs.InvalidArgument("create requires --rootfs")
	}
	if err := m.claimID(opts.ID); err != nil {
		return err
	}
	rootfs, err := m.images.Prepare(opts.Rootfs, opts.ID)
	if err != nil {
		return err
	}

	spec := &oci.Spec{
		Hostname: opts.ID,
		Rootfs:   rootfs,
		Process: oci.Process{
			Args:     args,
			Env:      opts.Env,
			Cwd:      opts.Cwd,
			Terminal: opts.TTY,
		},
		Namespaces: namespaceNames(linux.AllKinds),
		Resources:  opts.Resources,
	}

	_, err = m.launch(opts.ID, spec, launchMode{create: true, tty: opts.TTY, bundle: opts.Bundle})
	return err
}

// Start releases a Created container: opening the write side of the exec
// fifo unblocks the intermediate, which forwards the config ack to the
// init process.
func (m *Manager) Start(id string) error {
	st, err := m.states.Load(id)
	if err != nil {
		return err
	}
	m.states.Reconcile(st)
	if st.Status != state.StatusCreated {
		return errdefs.InvalidState("container %s is %s, not Created", id, st.Status)
	}

	fifoPath := oci.ExecFifoPath(st.Bundle)
	// O_NONBLOCK: with no reader left (the intermediate died) the open
	// fails with ENXIO instead of hanging forever.
	fd, err := unix.Open(fifoPath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if err == unix.ENXIO {
			return errdefs.InvalidState("container %s has no process waiting on %s", id, fifoPath)
		}
		return fmt.Errorf("open exec fifo: %w", err)
	}
	_, werr := unix.Write(fd, []byte{0})
	unix.Close(fd)
	if werr != nil {
		return fmt.Errorf("write exec fifo: %w", werr)
	}

	st.Status = state.StatusRunning
	if err := m.states.Save(st); err != nil {
		return err
	}
	m.record(id, "start", "")
	m.logger.Info("container started", "container_id", id, "init_pid", st.InitPID)
	return nil
}

type launchMode struct {
	detach      bool
	create      bool
	tty         bool
	interactive bool

	// bundle overrides the default bundle directory (create --bundle).
	bundle string
}

// launch drives the three-stage bootstrap for run and create. Any failure
// rolls back everything written so far: state, bundle, cgroup, rootfs.
func (m *Manager) launch(id string, spec *oci.Spec, mode launchMode) (int, error) {
	bundle := mode.bundle
	if bundle == "" {
		bundle = m.bundleDir(id)
	}
	if err := oci.WriteBundle(bundle, spec); err != nil {
		m.rollbackStorage(id, bundle)
		return 1, err
	}
	if mode.create {
		if err := unix.Mkfifo(oci.ExecFifoPath(bundle), 0622); err != nil && !os.IsExist(err) {
			m.rollbackStorage(id, bundle)
			return 1, fmt.Errorf("mkfifo exec fifo: %w", err)
		}
	}

	st := &state.State{
		ID:      id,
		Status:  state.StatusCreating,
		Bundle:  bundle,
		Rootfs:  spec.Rootfs,
		Created: time.Now().Unix(),
	}
	if err := m.states.Save(st); err != nil {
		m.rollbackStorage(id, bundle)
		return 1, err
	}
	m.record(id, "create", "")

	cg, err := linux.NewCgroup(m.cfg.CgroupRoot, id)
	if err != nil {
		m.rollbackStorage(id, bundle)
		return 1, err
	}
	if err := cg.Create(spec.Resources); err != nil {
		m.rollback(id, bundle, cg)
		return 1, err
	}

	var tty *terminal.Terminal
	consolePath := ""
	if mode.tty {
		tty, err = terminal.Open()
		if err != nil {
			m.rollback(id, bundle, cg)
			return 1, err
		}
		consolePath = tty.ReplicaPath()
	}
	closeTTY := func() {
		if tty != nil {
			tty.Close()
		}
	}

	bcfg := &linux.BootstrapConfig{
		ID:            id,
		Bundle:        bundle,
		Rootfs:        spec.Rootfs,
		Hostname:      spec.Hostname,
		Namespaces:    spec.Namespaces,
		Args:          spec.Process.Args,
		Env:           spec.Process.Env,
		Cwd:           spec.Process.Cwd,
		ConsolePath:   consolePath,
		CreateGate:    mode.create,
		Detach:        mode.detach || mode.create,
		SyncTimeoutMs: m.cfg.SyncTimeoutMs,
	}

	// Foreground non-tty containers inherit the caller's stdio directly;
	// stdin only when interactive. With a tty the console carries all
	// three, and detached containers get /dev/null.
	var stdio linux.Stdio
	if !mode.detach && !mode.create && !mode.tty {
		stdio.Out = os.Stdout
		stdio.Err = os.Stderr
		if mode.interactive {
			stdio.In = os.Stdin
		}
	}
	b, err := linux.Launch(bcfg, stdio, m.logger)
	if err != nil {
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, err
	}

	pid, err := b.WaitInitPid()
	if err != nil {
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, err
	}

	// Cgroup placement happens here on the host side so the namespaced
	// stages never need write access to the cgroup hierarchy.
	if err := cg.Attach(pid); err != nil {
		b.Abort()
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, err
	}

	startTime, err := state.ProcStartTime(pid)
	if err != nil {
		b.Abort()
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, fmt.Errorf("read init start time: %w", err)
	}

	st.Status = state.StatusCreated
	st.InitPID = pid
	st.InitStartTime = startTime
	st.NamespacePaths = linux.NamespacePaths(pid, linux.AllKinds)
	if err := m.states.Save(st); err != nil {
		b.Abort()
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, err
	}

	if err := b.Ack(); err != nil {
		b.Abort()
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, err
	}

	if mode.create {
		// The intermediate stays parked on the fifo; start finishes the
		// job. The parent's channel end is released here.
		if tty != nil {
			tty.CloseMaster()
		}
		b.Release()
		m.logger.Info("container created", "container_id", id, "init_pid", pid)
		return 0, nil
	}

	st.Status = state.StatusRunning
	if err := m.states.Save(st); err != nil {
		b.Abort()
		closeTTY()
		m.rollback(id, bundle, cg)
		return 1, err
	}
	m.record(id, "start", fmt.Sprintf("pid %d", pid))
	m.logger.Info("container running", "container_id", id, "init_pid", pid)

	if mode.detach {
		if tty != nil {
			tty.CloseMaster()
		}
		if err := b.Detach(); err != nil {
			m.logger.Warn("intermediate exited abnormally", "container_id", id, "error", err)
		}
		return 0, nil
	}

	// Foreground: relay the terminal if any, forward cancellation
	// signals, and wait for the exit status.
	if tty != nil {
		tty.ReleaseReplica()
		tty.Relay()
		defer tty.Close()
	}

	stopForward := m.forwardSignals(pid)
	defer stopForward()

	code, err := b.WaitExit()

	st.Status = state.StatusStopped
	st.InitPID = 0
	st.NamespacePaths = nil
	if serr := m.states.Save(st); serr != nil {
		m.logger.Warn("state save after exit failed", "container_id", id, "error", serr)
	}
	m.record(id, "stop", fmt.Sprintf("exit %d", code))

	if err != nil {
		return code, err
	}
	return code, nil
}

// claimID enforces ID uniqueness: any non-Stopped record blocks the ID;
// a leftover Stopped record is cleared so the ID can be reused.
func (m *Manager) claimID(id string) error {
	if !m.states.Exists(id) {
		return nil
	}
	st, err := m.states.Load(id)
	if err != nil {
		return err
	}
	m.states.Reconcile(st)
	if st.Status != state.StatusStopped {
		return errdefs.AlreadyExists("container %s is %s", id, st.Status)
	}
	return m.removeStorage(id, st.Bundle)
}

// forwardSignals relays SIGINT/SIGTERM on the runcell process to the
// container init as SIGTERM, escalating to SIGKILL after the grace
// period.
func (m *Manager) forwardSignals(pid int) func() {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			m.logger.Debug("forwarding signal", "signal", sig.String(), "init_pid", pid)
			_ = unix.Kill(pid, unix.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGracePeriod):
				_ = unix.Kill(pid, unix.SIGKILL)
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func namespaceNames(kinds []linux.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
