package objclass

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"not found", classErr("c", "open", ErrNotFound), syscall.ENOENT},
		{"permission", classErr("c", "open", ErrPermissionDenied), syscall.EPERM},
		{"load failed", &ClassError{Class: "c", Op: "open", Err: ErrLoadFailed, Cause: errors.New("boom")}, syscall.EIO},
		{"dependency", &DependencyError{Class: "c", Missing: []string{"d"}}, syscall.ENOENT},
		{"blocked", classErr("c", "open", ErrBlocked), syscall.EAGAIN},
		{"timed out", classErr("c", "open", ErrTimedOut), syscall.ETIMEDOUT},
		{"close timed out", classErr("c", "close", ErrCloseTimedOut), syscall.ETIMEDOUT},
		{"deadline", context.DeadlineExceeded, syscall.ETIMEDOUT},
		{"canceled", context.Canceled, syscall.ECANCELED},
		{"canceled open", &ClassError{Class: "c", Op: "open", Err: ErrTimedOut, Cause: context.Canceled}, syscall.ECANCELED},
		{"canceled drain", &ClassError{Class: "c", Op: "close", Err: ErrCloseTimedOut, Cause: context.Canceled}, syscall.ECANCELED},
		{"method", fmt.Errorf("x: %w", ErrMethodNotFound), syscall.ENOENT},
		{"invalid handle", ErrInvalidHandle, syscall.EINVAL},
		{"not initializing", ErrNotInitializing, syscall.EBUSY},
		{"exists", ErrClassExists, syscall.EEXIST},
		{"shutdown", ErrShutdown, syscall.ESHUTDOWN},
		{"other", errors.New("anything"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, -int(tt.want), Errno(tt.err))
		})
	}

	assert.Equal(t, 0, Errno(nil))
}

func TestClassError(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk on fire")
	err := &ClassError{Class: "alpha", Op: "open", Err: ErrLoadFailed, Cause: cause}

	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `open "alpha": class failed to load: disk on fire`, err.Error())
	assert.Equal(t, `open "alpha": class is blocked`, classErr("alpha", "open", ErrBlocked).Error())
}

func TestDependencyError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", &DependencyError{
		Class:   "a",
		Missing: []string{"b"},
		Cycle:   []string{"a", "b", "a"},
	})

	assert.True(t, IsDependencyError(err))
	assert.ErrorIs(t, err, ErrDependencyUnresolved)
	assert.Equal(t, []string{"b"}, MissingDependencies(err))
	assert.Contains(t, err.Error(), "a -> b -> a")
	assert.Nil(t, MissingDependencies(ErrNotFound))
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNotFound(classErr("c", "open", ErrNotFound)))
	assert.True(t, IsBlocked(classErr("c", "open", ErrBlocked)))
	assert.True(t, IsTimeout(classErr("c", "close", ErrCloseTimedOut)))
	assert.False(t, IsTimeout(ErrBlocked))
}
