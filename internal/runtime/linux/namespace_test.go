//go:build linux

package linux

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"mnt", "pid", "uts", "ipc", "net"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, Kind(name), k)
	}

	_, err := ParseKind("user")
	assert.Error(t, err)
	_, err = ParseKind("")
	assert.Error(t, err)
}

func TestCloneFlags(t *testing.T) {
	flags := CloneFlags(AllKinds)
	assert.Equal(t, uintptr(syscall.CLONE_NEWNS|syscall.CLONE_NEWPID|
		syscall.CLONE_NEWUTS|syscall.CLONE_NEWIPC|syscall.CLONE_NEWNET), flags)

	// The PID flag is withheld from the intermediate launch.
	flags = CloneFlags(AllKinds, NSPid)
	assert.Zero(t, flags&syscall.CLONE_NEWPID)
	assert.NotZero(t, flags&syscall.CLONE_NEWNS)
}

func TestNamespacePaths(t *testing.T) {
	paths := NamespacePaths(42, []Kind{NSMount, NSNet})
	assert.Equal(t, map[string]string{
		"mnt": "/proc/42/ns/mnt",
		"net": "/proc/42/ns/net",
	}, paths)
}

func TestJoinOrderEndsWithMount(t *testing.T) {
	// mnt must come last: it tears down the view of the old /proc that
	// the remaining setns calls rely on.
	assert.Equal(t, NSMount, joinOrder[len(joinOrder)-1])
	// pid must precede mnt and follow the rest so the final fork lands
	// in the target namespace.
	assert.Equal(t, NSPid, joinOrder[len(joinOrder)-2])
}
