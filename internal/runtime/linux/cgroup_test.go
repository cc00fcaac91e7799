//go:build linux

package linux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUMaxValue(t *testing.T) {
	assert.Equal(t, "100000 100000", cpuMaxValue(1.0))
	assert.Equal(t, "150000 100000", cpuMaxValue(1.5))
	assert.Equal(t, "50000 100000", cpuMaxValue(0.5))
}

func TestCgroupDirs(t *testing.T) {
	v2 := &Cgroup{backend: cgroupV2, root: "/sys/fs/cgroup", id: "c1"}
	assert.Equal(t, []string{"/sys/fs/cgroup/runcell/c1"}, v2.Dirs())
	assert.Equal(t, "/sys/fs/cgroup/runcell/c1", v2.Path())

	v1 := &Cgroup{backend: cgroupV1, root: "/sys/fs/cgroup", id: "c1"}
	assert.Equal(t, []string{
		"/sys/fs/cgroup/cpu/runcell/c1",
		"/sys/fs/cgroup/memory/runcell/c1",
	}, v1.Dirs())
}

func TestRemoveMissingCgroupIsNoop(t *testing.T) {
	c := &Cgroup{backend: cgroupV2, root: t.TempDir(), id: "ghost"}
	assert.NoError(t, c.Remove())
}
