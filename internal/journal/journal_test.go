package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndList(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Record("c1", "create", ""))
	require.NoError(t, j.Record("c1", "start", "pid 42"))
	require.NoError(t, j.Record("c2", "create", ""))

	events, err := j.List("c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "create", events[0].Event)
	assert.Equal(t, "start", events[1].Event)
	assert.Equal(t, "pid 42", events[1].Detail)
	assert.False(t, events[0].At.IsZero())
}

func TestListEmpty(t *testing.T) {
	j := newTestJournal(t)
	events, err := j.List("nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Record("c1", "create", ""))
	require.NoError(t, j.Record("c1", "delete", ""))
	require.NoError(t, j.Prune("c1"))

	events, err := j.List("c1")
	require.NoError(t, err)
	assert.Empty(t, events)
}
