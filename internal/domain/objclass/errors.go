package objclass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrNotFound indicates the class has no code the loader can find.
	ErrNotFound = errors.New("class not found")
	// ErrPermissionDenied indicates the class is not in the load list.
	ErrPermissionDenied = errors.New("class not permitted to load")
	// ErrLoadFailed indicates the loader found the class but could not produce code for it.
	ErrLoadFailed = errors.New("class failed to load")
	// ErrDependencyUnresolved indicates a declared dependency did not reach open.
	ErrDependencyUnresolved = errors.New("class dependency unresolved")
	// ErrBlocked indicates an open was rejected by a blocked gate.
	ErrBlocked = errors.New("class is blocked")
	// ErrTimedOut indicates an open gave up waiting for a blocked gate.
	ErrTimedOut = errors.New("timed out waiting for class")
	// ErrCloseTimedOut indicates outstanding handles were not released in time.
	ErrCloseTimedOut = errors.New("timed out waiting for class handles to drain")
	// ErrMethodNotFound indicates the class has no method with the requested name.
	ErrMethodNotFound = errors.New("method not found")
	// ErrFilterNotFound indicates the class has no filter with the requested name.
	ErrFilterNotFound = errors.New("filter not found")
	// ErrInvalidHandle indicates an empty or released handle was dereferenced.
	ErrInvalidHandle = errors.New("invalid class handle")
	// ErrNotInitializing indicates a registration outside of class initialization.
	ErrNotInitializing = errors.New("class is not initializing")
	// ErrMethodExists indicates a method name was registered twice.
	ErrMethodExists = errors.New("method already registered")
	// ErrFilterExists indicates a filter name was registered twice.
	ErrFilterExists = errors.New("filter already registered")
	// ErrInvalidName indicates an empty or malformed class or method name.
	ErrInvalidName = errors.New("invalid name")
	// ErrClassExists indicates an embedded class clashes with an existing one.
	ErrClassExists = errors.New("class already exists")
	// ErrShutdown indicates the registry has been shut down.
	ErrShutdown = errors.New("registry is shut down")
)

// ClassError reports a failed operation on a named class. Err is always one
// of the package sentinels; Cause carries the underlying failure, if any.
type ClassError struct {
	Class string
	Op    string
	Err   error
	Cause error
}

func (e *ClassError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %q: %v: %v", e.Op, e.Class, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Class, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *ClassError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func classErr(class, op string, err error) *ClassError {
	return &ClassError{Class: class, Op: op, Err: err}
}

// DependencyError reports the dependencies that kept a class from opening.
type DependencyError struct {
	Class   string
	Missing []string
	// Cycle is set when a dependency chain led back to a class already being opened.
	Cycle []string
}

func (e *DependencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "class %q: %v: %s", e.Class, ErrDependencyUnresolved, strings.Join(e.Missing, ", "))
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " (cycle: %s)", strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

// Unwrap returns ErrDependencyUnresolved.
func (e *DependencyError) Unwrap() error {
	return ErrDependencyUnresolved
}

// IsNotFound returns true if the class could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBlocked returns true if an open was rejected by a blocked gate.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}

// IsTimeout returns true for both open and close timeouts.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut) || errors.Is(err, ErrCloseTimedOut)
}

// IsDependencyError returns true if a class failed on its dependencies.
func IsDependencyError(err error) bool {
	var depErr *DependencyError
	return errors.As(err, &depErr)
}

// MissingDependencies returns the dependency names recorded on err, if any.
func MissingDependencies(err error) []string {
	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return depErr.Missing
	}
	return nil
}

// Errno maps err onto the storage layer's negative error-code space.
// A nil error maps to 0.
func Errno(err error) int {
	var code syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		// Checked first: a cancelled wait is wrapped as a timeout kind.
		code = syscall.ECANCELED
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMethodNotFound), errors.Is(err, ErrFilterNotFound):
		code = syscall.ENOENT
	case errors.Is(err, ErrPermissionDenied):
		code = syscall.EPERM
	case errors.Is(err, ErrLoadFailed):
		code = syscall.EIO
	case errors.Is(err, ErrDependencyUnresolved):
		code = syscall.ENOENT
	case errors.Is(err, ErrBlocked):
		code = syscall.EAGAIN
	case errors.Is(err, ErrTimedOut), errors.Is(err, ErrCloseTimedOut), errors.Is(err, context.DeadlineExceeded):
		code = syscall.ETIMEDOUT
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, ErrInvalidName):
		code = syscall.EINVAL
	case errors.Is(err, ErrNotInitializing):
		code = syscall.EBUSY
	case errors.Is(err, ErrMethodExists), errors.Is(err, ErrFilterExists), errors.Is(err, ErrClassExists):
		code = syscall.EEXIST
	case errors.Is(err, ErrShutdown):
		code = syscall.ESHUTDOWN
	default:
		code = syscall.EIO
	}
	return -int(code)
}
