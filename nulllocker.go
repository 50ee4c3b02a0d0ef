package lockingfs

import "context"

// nullLocker is a Null Object implementation of the Locker interface.
// It is used where serialization is provided elsewhere or not needed, such as
// single-process tools and tests.
type nullLocker struct{}

// NewNoopLocker returns a Locker whose acquisitions always succeed and whose
// releases do nothing.
func NewNoopLocker() Locker {
	return nullLocker{}
}

// nullHandle is the handle returned by nullLocker.
type nullHandle struct {
	path string
	mode Mode
}

func (h nullHandle) Path() string { return h.path }
func (h nullHandle) Key() string  { return h.path }
func (h nullHandle) Mode() Mode   { return h.mode }

// AcquireRead always succeeds.
func (nullLocker) AcquireRead(ctx context.Context, path string) (Handle, error) {
	return nullHandle{path: path, mode: ModeRead}, nil
}

// AcquireWrite always succeeds.
func (nullLocker) AcquireWrite(ctx context.Context, path string) (Handle, error) {
	return nullHandle{path: path, mode: ModeWrite}, nil
}

// Release does nothing and returns nil.
func (nullLocker) Release(h Handle) error {
	return nil
}
