// Package oci reads and writes the bundle config.json. The schema is a
// minimal OCI-style runtime config: enough for runcell's lifecycle engine
// and for external tooling to inspect what a bundle will run.
package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/runcell/runcell/internal/errdefs"
)

const ConfigFileName = "config.json"

// ExecFifoName is the FIFO inside the bundle that gates create/start: the
// intermediate blocks reading it, start opens the write side.
const ExecFifoName = "exec.fifo"

type Process struct {
	Args     []string `json:"args"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Terminal bool     `json:"terminal,omitempty"`
}

type Resources struct {
	// CPUs caps CPU bandwidth, in whole or fractional CPUs (1.5 = 150%).
	CPUs float64 `json:"cpus,omitempty"`
	// MemoryBytes caps memory; 0 means unlimited.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
}

// Spec is the runtime configuration for one container, persisted into the
// bundle as config.json.
type Spec struct {
	Hostname   string    `json:"hostname,omitempty"`
	Rootfs     string    `json:"rootfs"`
	Process    Process   `json:"process"`
	Namespaces []string  `json:"namespaces"`
	Resources  Resources `json:"resources,omitempty"`
}

func (s *Spec) Validate() error {
	if len(s.Process.Args) == 0 {
		return errdefs.InvalidArgument("spec has no process args")
	}
	if s.Rootfs == "" {
		return errdefs.InvalidArgument("spec has no rootfs")
	}
	if !filepath.IsAbs(s.Rootfs) {
		return errdefs.InvalidArgument("rootfs %s is not absolute", s.Rootfs)
	}
	return nil
}

// WriteBundle creates the bundle directory with its config.json. The
// exec.fifo gate is not created here; create mode makes it separately.
func WriteBundle(bundleDir string, spec *Spec) error {
	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return fmt.Errorf("mkdir bundle %s: %w", bundleDir, err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, ConfigFileName), data, 0644); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	return nil
}

func ReadBundle(bundleDir string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("bundle config at %s", bundleDir)
		}
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &spec, nil
}

func ExecFifoPath(bundleDir string) string {
	return filepath.Join(bundleDir, ExecFifoName)
}
