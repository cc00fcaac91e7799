//go:build linux

package container

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/config"
	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/image"
	"github.com/runcell/runcell/internal/journal"
	"github.com/runcell/runcell/internal/state"
)

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	t.Helper()
	cfg := &config.Config{
		Root:          t.TempDir(),
		CgroupRoot:    "/sys/fs/cgroup",
		LogLevel:      "warn",
		SyncTimeoutMs: 1000,
	}
	for _, dir := range []string{cfg.BundlesDir(), cfg.StatesDir(), cfg.ContainersDir()} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}

	states := state.NewStore(cfg.StatesDir())
	images := image.NewPreparer(cfg.ContainersDir())
	jrnl, err := journal.Open(cfg.JournalPath())
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, states, images, jrnl, logger), states
}

func saveState(t *testing.T, states *state.Store, id string, status state.Status) *state.State {
	t.Helper()
	st := &state.State{
		ID:      id,
		Status:  status,
		Bundle:  "/tmp/bundle/" + id,
		Rootfs:  "/tmp/rootfs/" + id,
		Created: time.Now().Unix(),
	}
	require.NoError(t, states.Save(st))
	return st
}

func TestValidateID(t *testing.T) {
	for _, ok := range []string{"c1", "web-1", "a_b.c", "X"} {
		assert.NoError(t, ValidateID(ok), ok)
	}
	for _, bad := range []string{"", "a/b", "a b", "..;rm", string(make([]byte, 300))} {
		assert.Error(t, ValidateID(bad))
	}
}

func TestRunRejectsDuplicateID(t *testing.T) {
	m, states := newTestManager(t)
	saveState(t, states, "dup", state.StatusCreated)

	_, err := m.Run(RunOptions{ID: "dup", Image: t.TempDir(), Args: []string{"/bin/true"}})
	assert.True(t, errors.Is(err, errdefs.ErrAlreadyExists))
}

func TestRunRequiresCommand(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Run(RunOptions{ID: "c1", Image: t.TempDir()})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestRunRejectsMissingImage(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Run(RunOptions{ID: "c1", Image: "/nonexistent", Args: []string{"/bin/true"}})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestStartRequiresCreatedState(t *testing.T) {
	m, states := newTestManager(t)

	err := m.Start("missing")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	saveState(t, states, "stopped", state.StatusStopped)
	err = m.Start("stopped")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))
}

func TestExecRejectsNonRunning(t *testing.T) {
	m, states := newTestManager(t)

	saveState(t, states, "created", state.StatusCreated)
	_, err := m.Exec(ExecOptions{ID: "created", Args: []string{"/bin/true"}})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))

	saveState(t, states, "stopped", state.StatusStopped)
	_, err = m.Exec(ExecOptions{ID: "stopped", Args: []string{"/bin/true"}})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))
}

func TestExecReconcilesStaleRunning(t *testing.T) {
	m, states := newTestManager(t)

	st := saveState(t, states, "stale", state.StatusRunning)
	st.InitPID = 1 << 22
	st.InitStartTime = 1
	require.NoError(t, states.Save(st))

	_, err := m.Exec(ExecOptions{ID: "stale", Args: []string{"/bin/true"}})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))

	got, err := states.Load("stale")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, got.Status)
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.Delete("ghost"))
	assert.NoError(t, m.Delete("ghost"))
}

func TestDeleteRemovesAllStorage(t *testing.T) {
	m, states := newTestManager(t)

	st := saveState(t, states, "gone", state.StatusStopped)
	st.Bundle = m.bundleDir("gone")
	require.NoError(t, states.Save(st))
	require.NoError(t, os.MkdirAll(st.Bundle, 0755))
	require.NoError(t, os.MkdirAll(m.images.RootfsDir("gone"), 0755))

	require.NoError(t, m.Delete("gone"))
	require.NoError(t, m.Delete("gone"))

	assert.False(t, states.Exists("gone"))
	_, err := os.Stat(st.Bundle)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.images.RootfsDir("gone"))
	assert.True(t, os.IsNotExist(err))
}

func TestKillRequiresRunning(t *testing.T) {
	m, states := newTestManager(t)
	saveState(t, states, "idle", state.StatusStopped)

	err := m.Kill("idle", unix.SIGTERM)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))
}

func TestListFiltersByStatus(t *testing.T) {
	m, states := newTestManager(t)

	start, err := state.ProcStartTime(os.Getpid())
	require.NoError(t, err)
	running := saveState(t, states, "up", state.StatusRunning)
	running.InitPID = os.Getpid()
	running.InitStartTime = start
	require.NoError(t, states.Save(running))

	saveState(t, states, "down", state.StatusStopped)

	onlyRunning, err := m.List(true)
	require.NoError(t, err)
	require.Len(t, onlyRunning, 1)
	assert.Equal(t, "up", onlyRunning[0].ID)

	all, err := m.List(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStateReconcilesOnLoad(t *testing.T) {
	m, states := newTestManager(t)

	st := saveState(t, states, "stale", state.StatusRunning)
	st.InitPID = 1 << 22
	st.InitStartTime = 7
	require.NoError(t, states.Save(st))

	got, err := m.State("stale")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, got.Status)
}

func TestEventsRecorded(t *testing.T) {
	m, _ := newTestManager(t)
	m.record("c1", "create", "")
	m.record("c1", "delete", "")

	events, err := m.Events("c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "create", events[0].Event)
}
