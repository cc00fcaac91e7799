package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	err := fmt.Errorf("loading container: %w", NotFound("container %s", "c1"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAlreadyExists))
}

func TestIsolationFailureNamesStep(t *testing.T) {
	err := IsolationFailure("pivot_root", errors.New("EPERM"))
	assert.True(t, errors.Is(err, ErrIsolationFailure))
	assert.Contains(t, err.Error(), "pivot_root")
}

func TestExecFailedErrno(t *testing.T) {
	var err error = &ExecFailedErrno{Errno: 2}
	assert.True(t, errors.Is(err, ErrExecFailed))

	var ef *ExecFailedErrno
	assert.True(t, errors.As(err, &ef))
	assert.Equal(t, 2, ef.Errno)
}

func TestChildCrashedStatus(t *testing.T) {
	var err error = &ChildCrashedStatus{Status: 137}
	assert.True(t, errors.Is(err, ErrChildCrashed))
	assert.Contains(t, err.Error(), "137")
}
