//go:build linux

package linux

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"

	"github.com/runcell/runcell/internal/errdefs"
)

// JoinConfig parameterizes the exec helper that enters an existing
// container's namespaces.
type JoinConfig struct {
	TargetPid  int      `json:"target_pid"`
	Namespaces []string `json:"namespaces"`
	Args       []string `json:"args"`
	Env        []string `json:"env,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`

	// ConsolePath, when set, becomes the controlling terminal of the
	// joined process.
	ConsolePath string `json:"console_path,omitempty"`

	// CgroupDirs are the container's cgroup directories; the helper
	// writes itself into them before leaving the host's mount view.
	CgroupDirs []string `json:"cgroup_dirs,omitempty"`
}

// runJoin enters the target container's namespaces and runs the requested
// command there. setns cannot be unwound, which is why this runs in a
// disposable re-exec'd process: the caller only ever sees its exit code.
//
// Joining the PID namespace affects children, not the joiner, so after
// setns one more child is forked to actually live inside the container.
func runJoin(cfg *JoinConfig) error {
	runtime.GOMAXPROCS(1)
	runtime.LockOSThread()

	os.Unsetenv(EnvStage)
	os.Unsetenv(EnvStageConfig)

	kinds := make([]Kind, 0, len(cfg.Namespaces))
	for _, name := range cfg.Namespaces {
		k, err := ParseKind(name)
		if err != nil {
			return err
		}
		kinds = append(kinds, k)
	}

	// Enter the cgroup while the host cgroupfs is still visible.
	pid := os.Getpid()
	for _, dir := range cfg.CgroupDirs {
		if err := os.WriteFile(dir+"/cgroup.procs", []byte(strconv.Itoa(pid)), 0644); err != nil {
			return errdefs.CgroupFailure(fmt.Errorf("join cgroup %s: %w", dir, err))
		}
	}

	if cfg.ConsolePath != "" {
		if err := setupConsole(cfg.ConsolePath); err != nil {
			return err
		}
	}

	if err := Join(cfg.TargetPid, kinds); err != nil {
		return err
	}

	cwd := cfg.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := os.Chdir(cwd); err != nil {
		return errdefs.IsolationFailure(fmt.Sprintf("chdir %s", cwd), err)
	}

	env := cfg.Env
	if len(env) == 0 {
		env = defaultEnv
	}

	argv0 := cfg.Args[0]
	if resolved, err := lookPath(argv0, env); err == nil {
		argv0 = resolved
	}

	cmd := exec.Command(argv0, cfg.Args[1:]...)
	cmd.Env = env
	cmd.Dir = cwd
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return &errdefs.ExecFailedErrno{Errno: int(errno)}
		}
		return fmt.Errorf("start joined command: %w", err)
	}

	os.Exit(exitCode(cmd.Wait()))
	return nil
}

// JoinExec launches the join helper against a live container and returns
// its exit code once the joined command finishes.
func JoinExec(cfg *JoinConfig, logger *slog.Logger) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 1, fmt.Errorf("get executable path: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return 1, fmt.Errorf("marshal join config: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvStage, StageJoin),
		fmt.Sprintf("%s=%s", EnvStageConfig, string(cfgJSON)),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 1, errdefs.IsolationFailure("start join helper", err)
	}
	logger.Debug("join helper started", "target_pid", cfg.TargetPid, "helper_pid", cmd.Process.Pid)

	return exitCode(cmd.Wait()), nil
}
