//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/oci"
)

// cgroupDrainTimeout bounds how long Remove waits for cgroup.procs to
// empty before attempting the rmdir.
const cgroupDrainTimeout = 5 * time.Second

const cpuPeriodUsec = 100000

type cgroupBackend int

const (
	cgroupV2 cgroupBackend = iota
	cgroupV1
)

// v1 controllers runcell manages. Other hierarchies are left untouched.
var v1Controllers = []string{"cpu", "memory"}

// Cgroup manages the per-container cgroup directory, on either the v2
// unified hierarchy or the v1 cpu/memory hierarchies, whichever the host
// mounts at the cgroup root.
type Cgroup struct {
	backend cgroupBackend
	root    string
	id      string
}

// NewCgroup probes the hierarchy mounted at cgroupRoot. A statfs magic of
// CGROUP2_SUPER_MAGIC selects v2; otherwise the v1 cpu and memory
// hierarchies must be present.
func NewCgroup(cgroupRoot, id string) (*Cgroup, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(cgroupRoot, &stat); err != nil {
		return nil, errdefs.CgroupFailure(fmt.Errorf("statfs %s: %w", cgroupRoot, err))
	}
	if stat.Type == unix.CGROUP2_SUPER_MAGIC {
		return &Cgroup{backend: cgroupV2, root: cgroupRoot, id: id}, nil
	}
	for _, ctrl := range v1Controllers {
		if _, err := os.Stat(filepath.Join(cgroupRoot, ctrl)); err != nil {
			return nil, errdefs.CgroupFailure(fmt.Errorf("no cgroup v2 at %s and v1 controller %s missing", cgroupRoot, ctrl))
		}
	}
	return &Cgroup{backend: cgroupV1, root: cgroupRoot, id: id}, nil
}

// dirs returns every cgroup directory this container owns: one on v2, one
// per managed controller on v1.
func (c *Cgroup) dirs() []string {
	if c.backend == cgroupV2 {
		return []string{filepath.Join(c.root, "runcell", c.id)}
	}
	out := make([]string, 0, len(v1Controllers))
	for _, ctrl := range v1Controllers {
		out = append(out, filepath.Join(c.root, ctrl, "runcell", c.id))
	}
	return out
}

// Dirs exposes every cgroup directory for callers that place processes
// from outside this package (the exec join helper).
func (c *Cgroup) Dirs() []string {
	return c.dirs()
}

// Path returns the primary cgroup directory (the unified one on v2, the
// cpu hierarchy on v1).
func (c *Cgroup) Path() string {
	return c.dirs()[0]
}

// Create makes the cgroup directories and applies the optional limits.
func (c *Cgroup) Create(res oci.Resources) error {
	for _, dir := range c.dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errdefs.CgroupFailure(fmt.Errorf("mkdir %s: %w", dir, err))
		}
	}
	if err := c.applyLimits(res); err != nil {
		return err
	}
	return nil
}

func (c *Cgroup) applyLimits(res oci.Resources) error {
	if c.backend == cgroupV2 {
		dir := c.dirs()[0]
		if res.CPUs > 0 {
			if err := writeCgroupFile(dir, "cpu.max", cpuMaxValue(res.CPUs)); err != nil {
				return err
			}
		}
		if res.MemoryBytes > 0 {
			if err := writeCgroupFile(dir, "memory.max", strconv.FormatInt(res.MemoryBytes, 10)); err != nil {
				return err
			}
		}
		return nil
	}

	cpuDir := filepath.Join(c.root, "cpu", "runcell", c.id)
	memDir := filepath.Join(c.root, "memory", "runcell", c.id)
	if res.CPUs > 0 {
		if err := writeCgroupFile(cpuDir, "cpu.cfs_period_us", strconv.Itoa(cpuPeriodUsec)); err != nil {
			return err
		}
		if err := writeCgroupFile(cpuDir, "cpu.cfs_quota_us", strconv.FormatInt(cpuQuotaUsec(res.CPUs), 10)); err != nil {
			return err
		}
	}
	if res.MemoryBytes > 0 {
		if err := writeCgroupFile(memDir, "memory.limit_in_bytes", strconv.FormatInt(res.MemoryBytes, 10)); err != nil {
			return err
		}
	}
	return nil
}

// Attach places pid into the container's cgroup. On v1 the pid is written
// to every managed hierarchy.
func (c *Cgroup) Attach(pid int) error {
	for _, dir := range c.dirs() {
		if err := writeCgroupFile(dir, "cgroup.procs", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	return nil
}

// Procs lists the host PIDs currently in the cgroup.
func (c *Cgroup) Procs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(c.dirs()[0], "cgroup.procs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.CgroupFailure(fmt.Errorf("read cgroup.procs: %w", err))
	}
	var pids []int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Remove waits for the cgroup to drain, then removes its directories.
// The first error is returned but every directory is attempted; delete
// treats a failure here as non-fatal.
func (c *Cgroup) Remove() error {
	var firstErr error
	for _, dir := range c.dirs() {
		if err := removeCgroupDir(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func removeCgroupDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	procsPath := filepath.Join(dir, "cgroup.procs")
	deadline := time.Now().Add(cgroupDrainTimeout)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(procsPath)
		if err != nil || strings.TrimSpace(string(data)) == "" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := unix.Rmdir(dir); err != nil {
		return errdefs.CgroupFailure(fmt.Errorf("rmdir %s: %w", dir, err))
	}
	return nil
}

func writeCgroupFile(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return errdefs.CgroupFailure(fmt.Errorf("write %s: %w", path, err))
	}
	return nil
}

// cpuMaxValue renders the v2 cpu.max line for a fractional CPU count.
func cpuMaxValue(cpus float64) string {
	return fmt.Sprintf("%d %d", cpuQuotaUsec(cpus), cpuPeriodUsec)
}

func cpuQuotaUsec(cpus float64) int64 {
	return int64(cpus * cpuPeriodUsec)
}
