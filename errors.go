package lockingfs

import (
	"errors"
	"fmt"
)

// ErrLockUnavailable is returned when a lock could not be acquired: the backing
// primitive failed, the configured wait bound elapsed or the context was done.
// The operation that requested the lock was not attempted.
var ErrLockUnavailable = errors.New("lockingfs: lock unavailable")

// ErrUnlockFailed is returned when a release could not be confirmed. The lock
// bookkeeping for the path must be considered inconsistent.
var ErrUnlockFailed = errors.New("lockingfs: unlock failed")

// ErrFileNotFound is returned when a path does not exist.
var ErrFileNotFound = errors.New("lockingfs: file not found")

// ErrFileExists is returned when a path that must be absent exists.
var ErrFileExists = errors.New("lockingfs: file already exists")

// ErrRootViolation is returned for paths that escape the adapter root, and for
// attempts to delete the root itself.
var ErrRootViolation = errors.New("lockingfs: path is outside of the defined root")

// ErrLockUpgrade is returned, wrapped in a *LockError of kind
// ErrLockUnavailable, when a call holding a read lock on a path asks for a
// write lock on the same path.
var ErrLockUpgrade = errors.New("lockingfs: cannot upgrade a held read lock to a write lock")

// ErrEntryNotFound is returned by a CounterStore for a missing entry.
var ErrEntryNotFound = errors.New("lockingfs: counter entry not found")

// LockError describes a failed acquire or release for a path.
//
// errors.Is matches both the kind (ErrLockUnavailable or ErrUnlockFailed) and
// the underlying cause, if any.
type LockError struct {
	Kind  error
	Path  string
	Cause error
}

// Error returns the error message for LockError.
func (e *LockError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s at path %q", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s at path %q: %v", e.Kind, e.Path, e.Cause)
}

// Unwrap returns the kind and the cause.
func (e *LockError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// NewLockUnavailableError returns a *LockError of kind ErrLockUnavailable.
func NewLockUnavailableError(path string, cause error) error {
	return &LockError{Kind: ErrLockUnavailable, Path: path, Cause: cause}
}

// NewUnlockFailedError returns a *LockError of kind ErrUnlockFailed.
func NewUnlockFailedError(path string, cause error) error {
	return &LockError{Kind: ErrUnlockFailed, Path: path, Cause: cause}
}

// ConfigError represents an error that occurs during the configuration process.
type ConfigError struct {
	Message string
}

// Error returns the error message for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("lockingfs: configuration error: %s", e.Message)
}
