package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/runcell/runcell/internal/config"
	"github.com/runcell/runcell/internal/runtime/linux"
)

func main() {
	// Stage processes (intermediate, init, join) are re-execs of this
	// binary; they never reach the CLI surface.
	if linux.Stage() != "" {
		if err := linux.RunStage(); err != nil {
			fmt.Fprintf(os.Stderr, "runcell %s: %v\n", linux.Stage(), err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("runcell", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgPath := fs.String("config", config.DefaultPath, "path to runcell.yaml")
	verbose := fs.Bool("v", false, "log at debug level")
	fs.BoolVar(verbose, "verbose", false, "log at debug level")
	fs.Usage = printMainUsage
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runcell: load config: %v\n", err)
		return 1
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	rest := fs.Args()
	if len(rest) == 0 {
		printMainUsage()
		return 1
	}

	switch rest[0] {
	case "container", "ctr":
		return runContainer(cfg, logger, rest[1:])
	case "storage":
		return runStorage(cfg, logger, rest[1:])
	case "events":
		return runEvents(cfg, logger, rest[1:])
	default:
		printMainUsage()
		return 1
	}
}

func printMainUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  runcell [--config <path>] [-v] container <command> [options]
  runcell [--config <path>] [-v] storage <command> [options]
  runcell events --id <ID>

Container commands (alias: ctr):
  runcell ctr run    --id <ID> --image <SRC> [-t] [-i] [-d] [--cpus N] [--memory SIZE] [CMD ARGS...]
  runcell ctr create --id <ID> --rootfs <PATH> [--bundle <PATH>] [-t] [CMD ARGS...]
  runcell ctr start  --id <ID>
  runcell ctr exec   --id <ID> [-t] [-i] [CMD ARGS...]
  runcell ctr list   [-a] [-f table|json]        (alias: ls)
  runcell ctr delete --id <ID>                   (alias: rm)
  runcell ctr kill   --id <ID> [--signal SIG]
  runcell ctr state  --id <ID>

Storage commands:
  runcell storage pull    --id <ID> --image <SRC>
  runcell storage mount   --id <ID> --target <PATH>
  runcell storage umount  --target <PATH>
  runcell storage cleanup --id <ID>

Image sources: file://<path.tar>, dir://<path>, or a rootfs path.
`)
}
