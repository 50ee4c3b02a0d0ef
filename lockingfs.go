// Package lockingfs serializes access to path-addressed storage across goroutines
// and processes.
//
// A LockingFilesystem wraps an Adapter (the actual storage: local disk, memory,
// object storage) and brackets every operation with a read or write lock taken
// from a Locker. Lockers are interchangeable: pkg/lock provides an advisory file
// lock (flock), a shared-counter lock over a CounterStore (Redis, memcached or
// in-process) and a named reader/writer lock; NewNoopLocker disables locking.
//
// Example usage:
//
//	locker, err := lock.NewFlock("/var/lock", "media")
//	if err != nil {
//	    return err
//	}
//	fs, err := lockingfs.New(localfs.New("/srv/media"), locker, logger)
//	if err != nil {
//	    return err
//	}
//	err = fs.Put(ctx, "/a/b.txt", []byte("hello"), lockingfs.WriteConfig{})
package lockingfs

import (
	"context"
	"io"
	"time"
)

// Mode is the access mode of a lock.
type Mode int

const (
	// ModeRead is a shared lock. Any number of readers may hold it at once.
	ModeRead Mode = iota
	// ModeWrite is an exclusive lock.
	ModeWrite
)

// String returns "read" or "write".
func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

const (
	// WaitForever makes lock acquisition block until the lock is granted or the
	// context is done.
	WaitForever time.Duration = -1
	// NoWait makes lock acquisition fail immediately when the lock is held.
	NoWait time.Duration = 0
)

// Handle represents one held lock. It is returned by Locker.AcquireRead or
// Locker.AcquireWrite and must be passed to Locker.Release exactly once.
type Handle interface {
	// Path returns the normalized path the lock was taken for.
	Path() string
	// Key returns the resource key the backend synchronizes on.
	Key() string
	// Mode returns the mode the lock was taken in.
	Mode() Mode
}

// Locker defines the interface for a reader/writer lock backend keyed by path.
//
// Implementations must guarantee that for one resource key at most one writer
// holds the lock, and that no reader holds it while a writer does.
// Acquisition failures wrap ErrLockUnavailable; release failures wrap
// ErrUnlockFailed.
type Locker interface {
	AcquireRead(ctx context.Context, path string) (Handle, error)
	AcquireWrite(ctx context.Context, path string) (Handle, error)
	Release(h Handle) error
}

// CounterStore is a key/value store of integer entries with atomic primitives.
// It backs the shared-counter lock and may be shared by several processes.
type CounterStore interface {
	// Add creates key with value if it is absent. It reports whether the entry
	// was created.
	Add(ctx context.Context, key string, value int64) (bool, error)
	// Incr atomically increments an existing entry and returns the new value.
	// It returns ErrEntryNotFound if the entry is absent.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements an existing entry and returns the new value.
	// It returns ErrEntryNotFound if the entry is absent.
	Decr(ctx context.Context, key string) (int64, error)
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Delete removes key. It returns ErrEntryNotFound if the entry is absent.
	Delete(ctx context.Context, key string) error
}

// Visibility is the access level of a stored file.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Entry types reported in Metadata.Type.
const (
	TypeFile = "file"
	TypeDir  = "dir"
)

// Metadata describes a file or directory held by an Adapter.
type Metadata struct {
	Path       string     `json:"path"`
	Type       string     `json:"type"`
	Size       int64      `json:"size"`
	Timestamp  time.Time  `json:"timestamp"`
	Mimetype   string     `json:"mimetype,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// WriteConfig carries per-write settings. The zero value writes a public file.
type WriteConfig struct {
	Visibility Visibility
}

// Adapter is the storage being protected. Paths passed to an Adapter are
// already normalized. Adapters return ErrFileNotFound for missing paths and
// must be safe for concurrent use; LockingFilesystem only serializes entry
// into their methods.
type Adapter interface {
	Has(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	// Write creates or overwrites path with the contents of r.
	Write(ctx context.Context, path string, r io.Reader, cfg WriteConfig) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	Copy(ctx context.Context, from, to string) error
	ListContents(ctx context.Context, dir string, recursive bool) ([]Metadata, error)
	CreateDir(ctx context.Context, dir string, cfg WriteConfig) error
	DeleteDir(ctx context.Context, dir string) error
	GetMetadata(ctx context.Context, path string) (*Metadata, error)
	SetVisibility(ctx context.Context, path string, v Visibility) error
}
