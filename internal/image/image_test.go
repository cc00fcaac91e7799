package image

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcell/runcell/internal/errdefs"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		kind SourceKind
		path string
	}{
		{"file:///tmp/rootfs.tar", SourceTar, "/tmp/rootfs.tar"},
		{"dir:///srv/bundles/x", SourceDir, "/srv/bundles/x"},
		{"/srv/rootfs", SourcePath, "/srv/rootfs"},
		{"relative/rootfs", SourcePath, "relative/rootfs"},
	}
	for _, tt := range tests {
		src, err := ParseSource(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, src.Kind, tt.in)
		assert.Equal(t, tt.path, src.Path, tt.in)
	}
}

func TestParseSourceRejectsUnknownScheme(t *testing.T) {
	_, err := ParseSource("oci://library/alpine")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))

	_, err = ParseSource("")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestPrepareDirSource(t *testing.T) {
	rootfs := t.TempDir()
	p := NewPreparer(t.TempDir())

	got, err := p.Prepare("dir://"+rootfs, "c1")
	require.NoError(t, err)
	assert.Equal(t, rootfs, got)

	got, err = p.Prepare(rootfs, "c1")
	require.NoError(t, err)
	assert.Equal(t, rootfs, got)
}

func TestPrepareMissingPath(t *testing.T) {
	p := NewPreparer(t.TempDir())
	_, err := p.Prepare("/nonexistent/rootfs", "c1")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestPrepareRejectsFileAsRootfs(t *testing.T) {
	f := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))

	p := NewPreparer(t.TempDir())
	_, err := p.Prepare(f, "c1")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func writeTestTar(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	uid, gid := os.Getuid(), os.Getgid()

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/", Mode: 0755, Typeflag: tar.TypeDir, Uid: uid, Gid: gid,
	}))
	content := []byte("#!/bin/sh\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/hello", Mode: 0755, Size: int64(len(content)), Uid: uid, Gid: gid,
	}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
}

func TestPrepareExtractsTar(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), "rootfs.tar")
	writeTestTar(t, tarPath)

	containersDir := t.TempDir()
	p := NewPreparer(containersDir)

	rootfs, err := p.Prepare("file://"+tarPath, "c1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(containersDir, "c1", "rootfs"), rootfs)

	data, err := os.ReadFile(filepath.Join(rootfs, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
}

func TestPrepareMissingTar(t *testing.T) {
	p := NewPreparer(t.TempDir())
	_, err := p.Prepare("file:///nonexistent.tar", "c1")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestCleanup(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), "rootfs.tar")
	writeTestTar(t, tarPath)

	containersDir := t.TempDir()
	p := NewPreparer(containersDir)
	_, err := p.Prepare("file://"+tarPath, "c1")
	require.NoError(t, err)

	require.NoError(t, p.Cleanup("c1"))
	_, err = os.Stat(filepath.Join(containersDir, "c1"))
	assert.True(t, os.IsNotExist(err))

	// Cleaning an unknown id is a no-op.
	require.NoError(t, p.Cleanup("ghost"))
}
