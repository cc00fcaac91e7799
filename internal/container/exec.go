//go:build linux

package container

import (
	"os"

	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/runtime/linux"
	"github.com/runcell/runcell/internal/state"
	"github.com/runcell/runcell/internal/terminal"
)

type ExecOptions struct {
	ID          string
	Args        []string
	Env         []string
	Cwd         string
	TTY         bool
	Interactive bool
}

// Exec runs a command inside a live container by joining its namespaces
// and cgroup in a disposable helper process. The helper's exit code (the
// joined command's) is returned.
func (m *Manager) Exec(opts ExecOptions) (int, error) {
	if err := ValidateID(opts.ID); err != nil {
		return 1, err
	}
	if len(opts.Args) == 0 {
		return 1, errdefs.InvalidArgument("no command given")
	}

	st, err := m.states.Load(opts.ID)
	if err != nil {
		return 1, err
	}
	m.states.Reconcile(st)
	switch st.Status {
	case state.StatusRunning:
	case state.StatusCreated:
		// A created container has no running init to join yet.
		return 1, errdefs.InvalidState("container %s is Created, start it first", opts.ID)
	default:
		return 1, errdefs.InvalidState("container %s is %s", opts.ID, st.Status)
	}

	// Dangling namespace entries are filtered out before use: only the
	// paths that still resolve are joined.
	kinds := make([]string, 0, len(st.NamespacePaths))
	for name, path := range st.NamespacePaths {
		if _, err := os.Stat(path); err != nil {
			m.logger.Debug("skipping dangling namespace", "container_id", opts.ID, "kind", name)
			continue
		}
		kinds = append(kinds, name)
	}
	if len(kinds) == 0 {
		return 1, errdefs.InvalidState("container %s has no joinable namespaces", opts.ID)
	}

	jcfg := &linux.JoinConfig{
		TargetPid:  st.InitPID,
		Namespaces: kinds,
		Args:       opts.Args,
		Env:        opts.Env,
		Cwd:        opts.Cwd,
	}

	if cg, err := linux.NewCgroup(m.cfg.CgroupRoot, opts.ID); err == nil {
		jcfg.CgroupDirs = cg.Dirs()
	} else {
		m.logger.Warn("exec without cgroup placement", "container_id", opts.ID, "error", err)
	}

	var tty *terminal.Terminal
	if opts.TTY {
		tty, err = terminal.Open()
		if err != nil {
			return 1, err
		}
		jcfg.ConsolePath = tty.ReplicaPath()
		tty.Relay()
		defer tty.Close()
	}

	m.record(opts.ID, "exec", opts.Args[0])
	return linux.JoinExec(jcfg, m.logger)
}
