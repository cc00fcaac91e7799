//go:build linux

package linux

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapConfigKinds(t *testing.T) {
	cfg := &BootstrapConfig{Namespaces: []string{"mnt", "pid", "net"}}
	kinds, err := cfg.kinds()
	require.NoError(t, err)
	assert.Equal(t, []Kind{NSMount, NSPid, NSNet}, kinds)

	cfg = &BootstrapConfig{Namespaces: []string{"mnt", "cgroup"}}
	_, err = cfg.kinds()
	assert.Error(t, err)
}

func TestSyncTimeoutDefault(t *testing.T) {
	cfg := &BootstrapConfig{}
	assert.Equal(t, 30*time.Second, cfg.syncTimeout())

	cfg.SyncTimeoutMs = 1500
	assert.Equal(t, 1500*time.Millisecond, cfg.syncTimeout())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))

	err := exec.Command("/bin/sh", "-c", "exit 7").Run()
	require.Error(t, err)
	assert.Equal(t, 7, exitCode(err))

	// Death by signal maps to 128+signum.
	err = exec.Command("/bin/sh", "-c", "kill -TERM $$").Run()
	require.Error(t, err)
	assert.Equal(t, 128+15, exitCode(err))
}

func TestLookPath(t *testing.T) {
	p, err := lookPath("/bin/true", nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", p)

	p, err = lookPath("sh", []string{"PATH=/usr/bin:/bin"})
	require.NoError(t, err)
	assert.NotEmpty(t, p)

	_, err = lookPath("", nil)
	assert.Error(t, err)
}
