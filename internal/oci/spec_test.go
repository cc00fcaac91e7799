package oci

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcell/runcell/internal/errdefs"
)

func testSpec() *Spec {
	return &Spec{
		Hostname: "c1",
		Rootfs:   "/tmp/runcell/containers/c1/rootfs",
		Process: Process{
			Args:     []string{"/bin/sh", "-c", "true"},
			Env:      []string{"PATH=/bin"},
			Terminal: true,
		},
		Namespaces: []string{"mnt", "pid", "uts", "ipc", "net"},
	}
}

func TestWriteAndReadBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "b1")
	spec := testSpec()

	require.NoError(t, WriteBundle(bundle, spec))

	got, err := ReadBundle(bundle)
	require.NoError(t, err)
	assert.Equal(t, spec.Hostname, got.Hostname)
	assert.Equal(t, spec.Rootfs, got.Rootfs)
	assert.Equal(t, spec.Process.Args, got.Process.Args)
	assert.True(t, got.Process.Terminal)
	assert.Equal(t, spec.Namespaces, got.Namespaces)
}

func TestReadBundleMissing(t *testing.T) {
	_, err := ReadBundle(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestValidate(t *testing.T) {
	spec := testSpec()
	require.NoError(t, spec.Validate())

	spec.Process.Args = nil
	assert.True(t, errors.Is(spec.Validate(), errdefs.ErrInvalidArgument))

	spec = testSpec()
	spec.Rootfs = ""
	assert.True(t, errors.Is(spec.Validate(), errdefs.ErrInvalidArgument))

	spec = testSpec()
	spec.Rootfs = "relative/rootfs"
	assert.True(t, errors.Is(spec.Validate(), errdefs.ErrInvalidArgument))
}

func TestExecFifoPath(t *testing.T) {
	assert.Equal(t, "/b/c1/exec.fifo", ExecFifoPath("/b/c1"))
}
