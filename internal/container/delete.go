//go:build linux

package container

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/runtime/linux"
	"github.com/runcell/runcell/internal/state"
)

// deleteKillTimeout bounds the wait between the first SIGKILL and the
// follow-up before teardown proceeds regardless.
const deleteKillTimeout = 5 * time.Second

// Delete tears a container down: kill the init process if it still runs,
// remove the cgroup, then remove bundle, state and rootfs directories.
// Failures along the way are collected and logged but never stop the
// remaining steps; deleting an unknown ID is a successful no-op.
func (m *Manager) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	st, err := m.states.Load(id)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			m.logger.Info("delete of unknown container is a no-op", "container_id", id)
			return nil
		}
		return err
	}
	m.states.Reconcile(st)

	if st.Status == state.StatusRunning || st.Status == state.StatusCreated {
		m.killInit(st)
	}

	if cg, err := linux.NewCgroup(m.cfg.CgroupRoot, id); err == nil {
		if err := cg.Remove(); err != nil {
			m.logger.Warn("cgroup teardown failed", "container_id", id, "error", err)
		}
	} else {
		m.logger.Warn("cgroup probe failed during delete", "container_id", id, "error", err)
	}

	if err := m.removeStorage(id, st.Bundle); err != nil {
		return err
	}

	m.record(id, "delete", "")
	m.logger.Info("container deleted", "container_id", id)
	return nil
}

// killInit sends SIGKILL to the init process, guarded by the recorded
// start time so a recycled PID is never signaled, waits for it to go, and
// sends one more SIGKILL if the first did not land.
func (m *Manager) killInit(st *state.State) {
	if !state.Alive(st.InitPID, st.InitStartTime) {
		return
	}
	_ = unix.Kill(st.InitPID, unix.SIGKILL)

	deadline := time.Now().Add(deleteKillTimeout)
	for time.Now().Before(deadline) {
		if !state.Alive(st.InitPID, st.InitStartTime) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = unix.Kill(st.InitPID, unix.SIGKILL)
	m.logger.Warn("init process survived kill timeout", "container_id", st.ID, "init_pid", st.InitPID)
}

// Kill delivers a signal to a running container's init process.
func (m *Manager) Kill(id string, sig unix.Signal) error {
	st, err := m.states.Load(id)
	if err != nil {
		return err
	}
	m.states.Reconcile(st)
	if st.Status != state.StatusRunning {
		return errdefs.InvalidState("container %s is %s, not Running", id, st.Status)
	}
	if err := unix.Kill(st.InitPID, sig); err != nil {
		return errdefs.InvalidState("signal container %s: %v", id, err)
	}
	m.record(id, "kill", sig.String())
	return nil
}

// removeStorage removes the container's bundle, state and rootfs
// directories; the first error is returned after all three are attempted.
func (m *Manager) removeStorage(id, bundle string) error {
	var firstErr error
	if bundle == "" {
		bundle = m.bundleDir(id)
	}
	if err := os.RemoveAll(bundle); err != nil {
		firstErr = err
	}
	if err := m.states.Delete(id); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.images.Cleanup(id); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.journal != nil {
		if err := m.journal.Prune(id); err != nil {
			m.logger.Debug("journal prune failed", "container_id", id, "error", err)
		}
	}
	return firstErr
}

// rollbackStorage undoes the on-disk side of a failed create/run.
func (m *Manager) rollbackStorage(id, bundle string) {
	if err := m.removeStorage(id, bundle); err != nil {
		m.logger.Warn("rollback left residue", "container_id", id, "error", err)
	}
}

// rollback additionally removes the cgroup.
func (m *Manager) rollback(id, bundle string, cg *linux.Cgroup) {
	if err := cg.Remove(); err != nil {
		m.logger.Warn("rollback cgroup removal failed", "container_id", id, "error", err)
	}
	m.rollbackStorage(id, bundle)
}
