//go:build linux

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/config"
	"github.com/runcell/runcell/internal/container"
	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/image"
	"github.com/runcell/runcell/internal/journal"
	"github.com/runcell/runcell/internal/oci"
	"github.com/runcell/runcell/internal/state"
)

// stringSlice collects repeatable flags (-e KEY=VAL -e KEY2=VAL2).
type stringSlice []string

func (s *stringSlice) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// newManager wires the lifecycle coordinator for one CLI invocation. A
// journal open failure is reported but does not block the operation.
func newManager(cfg *config.Config, logger *slog.Logger) (*container.Manager, func()) {
	for _, dir := range []string{cfg.BundlesDir(), cfg.StatesDir(), cfg.ContainersDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Warn("cannot create runcell directory", "dir", dir, "error", err)
		}
	}

	states := state.NewStore(cfg.StatesDir())
	images := image.NewPreparer(cfg.ContainersDir())

	jrnl, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logger.Warn("journal unavailable", "error", err)
		jrnl = nil
	}
	cleanup := func() {
		if jrnl != nil {
			jrnl.Close()
		}
	}

	return container.NewManager(cfg, states, images, jrnl, logger), cleanup
}

// fail prints the single-line user-visible error and picks the exit code.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "runcell: %v\n", err)
	return 1
}

func runContainer(cfg *config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		printMainUsage()
		return 1
	}

	switch args[0] {
	case "run":
		return runRun(cfg, logger, args[1:])
	case "create":
		return runCreate(cfg, logger, args[1:])
	case "start":
		return runStart(cfg, logger, args[1:])
	case "exec":
		return runExec(cfg, logger, args[1:])
	case "list", "ls":
		return runList(cfg, logger, args[1:])
	case "delete", "rm":
		return runDelete(cfg, logger, args[1:])
	case "kill":
		return runKill(cfg, logger, args[1:])
	case "state":
		return runState(cfg, logger, args[1:])
	default:
		printMainUsage()
		return 1
	}
}

func runRun(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id (generated when empty)")
	img := fs.String("image", "", "image source: file://tar, dir://path, or rootfs path")
	tty := fs.Bool("t", false, "allocate a pseudo-terminal")
	interactive := fs.Bool("i", false, "keep stdin attached")
	detach := fs.Bool("d", false, "run in the background")
	cpus := fs.Float64("cpus", 0, "CPU limit in cores")
	memory := fs.String("memory", "", "memory limit (e.g. 512m)")
	cwd := fs.String("cwd", "", "working directory inside the container")
	var env stringSlice
	fs.Var(&env, "e", "environment variable KEY=VAL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *img == "" {
		fmt.Fprintln(os.Stderr, "runcell: run requires --image")
		return 1
	}
	if *id == "" {
		*id = uuid.NewString()
	}

	res := oci.Resources{CPUs: *cpus}
	if *memory != "" {
		bytes, err := units.RAMInBytes(*memory)
		if err != nil {
			return fail(errdefs.InvalidArgument("bad --memory value %q: %v", *memory, err))
		}
		res.MemoryBytes = bytes
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	code, err := mgr.Run(container.RunOptions{
		ID:          *id,
		Image:       *img,
		Args:        fs.Args(),
		Env:         env,
		Cwd:         *cwd,
		TTY:         *tty,
		Interactive: *interactive,
		Detach:      *detach,
		Resources:   res,
	})
	if err != nil {
		return fail(err)
	}
	if *detach {
		fmt.Println(*id)
	}
	return code
}

func runCreate(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	rootfs := fs.String("rootfs", "", "rootfs path or image source")
	bundle := fs.String("bundle", "", "bundle directory override")
	tty := fs.Bool("t", false, "allocate a pseudo-terminal")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: create requires --id")
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	if err := mgr.Create(container.CreateOptions{
		ID:     *id,
		Rootfs: *rootfs,
		Bundle: *bundle,
		Args:   fs.Args(),
		TTY:    *tty,
	}); err != nil {
		return fail(err)
	}
	fmt.Println(*id)
	return 0
}

func runStart(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: start requires --id")
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	if err := mgr.Start(*id); err != nil {
		return fail(err)
	}
	return 0
}

func runExec(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	tty := fs.Bool("t", false, "allocate a pseudo-terminal")
	interactive := fs.Bool("i", false, "keep stdin attached")
	cwd := fs.String("cwd", "", "working directory inside the container")
	var env stringSlice
	fs.Var(&env, "e", "environment variable KEY=VAL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: exec requires --id")
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	code, err := mgr.Exec(container.ExecOptions{
		ID:          *id,
		Args:        fs.Args(),
		Env:         env,
		Cwd:         *cwd,
		TTY:         *tty,
		Interactive: *interactive,
	})
	if err != nil {
		return fail(err)
	}
	return code
}

func runList(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	all := fs.Bool("a", false, "include stopped containers")
	format := fs.String("f", "table", "output format: table or json")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	list, err := mgr.List(!*all)
	if err != nil {
		return fail(err)
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			return fail(err)
		}
	case "table":
		fmt.Printf("%-24s %-10s %-8s %-12s %s\n", "ID", "STATUS", "PID", "CREATED", "ROOTFS")
		for _, st := range list {
			created := units.HumanDuration(time.Since(time.Unix(st.Created, 0))) + " ago"
			fmt.Printf("%-24s %-10s %-8d %-12s %s\n", st.ID, st.Status, st.InitPID, created, st.Rootfs)
		}
	default:
		fmt.Fprintf(os.Stderr, "runcell: unknown format %q\n", *format)
		return 1
	}
	return 0
}

func runDelete(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: delete requires --id")
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	if err := mgr.Delete(*id); err != nil {
		return fail(err)
	}
	return 0
}

func runKill(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	sigName := fs.String("signal", "SIGKILL", "signal name")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: kill requires --id")
		return 1
	}

	sig := unix.SignalNum(*sigName)
	if sig == 0 {
		return fail(errdefs.InvalidArgument("unknown signal %q", *sigName))
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	if err := mgr.Kill(*id, sig); err != nil {
		return fail(err)
	}
	return 0
}

func runState(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: state requires --id")
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	st, err := mgr.State(*id)
	if err != nil {
		return fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fail(err)
	}
	return 0
}

func runEvents(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "container id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "runcell: events requires --id")
		return 1
	}

	mgr, done := newManager(cfg, logger)
	defer done()

	events, err := mgr.Events(*id)
	if err != nil {
		return fail(err)
	}
	for _, e := range events {
		detail := e.Detail
		if detail != "" {
			detail = " " + detail
		}
		fmt.Printf("%s %s%s\n", e.At.Format(time.RFC3339), e.Event, detail)
	}
	return 0
}

func runStorage(cfg *config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		printMainUsage()
		return 1
	}

	images := image.NewPreparer(cfg.ContainersDir())

	switch args[0] {
	case "pull":
		fs := flag.NewFlagSet("pull", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		id := fs.String("id", "", "container id")
		img := fs.String("image", "", "image source")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *id == "" || *img == "" {
			fmt.Fprintln(os.Stderr, "runcell: storage pull requires --id and --image")
			return 1
		}
		rootfs, err := images.Prepare(*img, *id)
		if err != nil {
			return fail(err)
		}
		fmt.Println(rootfs)
		return 0
	case "mount":
		fs := flag.NewFlagSet("mount", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		id := fs.String("id", "", "container id")
		target := fs.String("target", "", "mount target")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *id == "" || *target == "" {
			fmt.Fprintln(os.Stderr, "runcell: storage mount requires --id and --target")
			return 1
		}
		if err := os.MkdirAll(*target, 0755); err != nil {
			return fail(err)
		}
		if err := unix.Mount(images.RootfsDir(*id), *target, "", unix.MS_BIND, ""); err != nil {
			return fail(fmt.Errorf("bind mount rootfs: %w", err))
		}
		return 0
	case "umount":
		fs := flag.NewFlagSet("umount", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		target := fs.String("target", "", "mount target")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *target == "" {
			fmt.Fprintln(os.Stderr, "runcell: storage umount requires --target")
			return 1
		}
		if err := unix.Unmount(*target, unix.MNT_DETACH); err != nil {
			return fail(fmt.Errorf("unmount %s: %w", *target, err))
		}
		return 0
	case "cleanup":
		fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		id := fs.String("id", "", "container id")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *id == "" {
			fmt.Fprintln(os.Stderr, "runcell: storage cleanup requires --id")
			return 1
		}
		if err := images.Cleanup(*id); err != nil {
			return fail(err)
		}
		return 0
	default:
		printMainUsage()
		return 1
	}
}
