package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndClose(t *testing.T) {
	term, err := Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}

	path := term.ReplicaPath()
	assert.True(t, strings.HasPrefix(path, "/dev/"), "replica path %s", path)

	// Close is safe on every exit path, repeatedly.
	term.Close()
	term.Close()
}

func TestMasterReplicaRoundTrip(t *testing.T) {
	term, err := Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer term.Close()

	// Bytes written to the master appear on the replica, as the
	// container side will see them.
	_, err = term.master.WriteString("echo hi\n")
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := term.replica.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(buf[:n]))
}
