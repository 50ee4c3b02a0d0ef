// Package memfs provides a simple, in-memory implementation of the
// lockingfs.Adapter interface. It is thread-safe on its own; wrap it in a
// lockingfs.LockingFilesystem to serialize whole operations per path.
package memfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mrchypark/lockingfs"
)

var errIsDir = errors.New("memfs: path is a directory")

// file holds the contents and attributes of a single file.
type file struct {
	data       []byte
	modTime    time.Time
	visibility lockingfs.Visibility
}

// MemFS is a thread-safe, in-memory implementation of lockingfs.Adapter.
// Paths are expected in the form produced by lockingfs.NormalizePath.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]*file
	dirs  map[string]lockingfs.Visibility
	now   func() time.Time
}

var _ lockingfs.Adapter = (*MemFS)(nil)

// New creates an empty MemFS.
func New() *MemFS {
	return &MemFS{
		files: make(map[string]*file),
		dirs:  make(map[string]lockingfs.Visibility),
		now:   time.Now,
	}
}

func notFound(p string) error {
	return fmt.Errorf("%w: %s", lockingfs.ErrFileNotFound, p)
}

func visibilityOr(v lockingfs.Visibility) lockingfs.Visibility {
	if v == "" {
		return lockingfs.VisibilityPublic
	}
	return v
}

// parent returns the directory containing p; the root is "".
func parent(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// mkdirAll registers every ancestor directory of dir, and dir itself.
// Must be called with mu held.
func (m *MemFS) mkdirAll(dir string, v lockingfs.Visibility) {
	for d := dir; d != ""; d = parent(d) {
		if _, ok := m.dirs[d]; ok {
			continue
		}
		m.dirs[d] = v
	}
}

func (m *MemFS) isDir(p string) bool {
	if p == "" {
		return true
	}
	_, ok := m.dirs[p]
	return ok
}

// Has reports whether a file or directory exists at p.
func (m *MemFS) Has(ctx context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.files[p]; ok {
		return true, nil
	}
	return m.isDir(p), nil
}

// Read returns the contents of the file at p.
func (m *MemFS) Read(ctx context.Context, p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[p]
	if !ok {
		return nil, notFound(p)
	}
	return bytes.Clone(f.data), nil
}

// ReadStream returns a reader over a snapshot of the file at p.
func (m *MemFS) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	data, err := m.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Write stores the contents of r at p, creating parent directories as needed.
// An existing file is overwritten.
func (m *MemFS) Write(ctx context.Context, p string, r io.Reader, cfg lockingfs.WriteConfig) error {
	if p == "" {
		return errIsDir
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isDir(p) {
		return fmt.Errorf("%w: %s", errIsDir, p)
	}
	m.mkdirAll(parent(p), lockingfs.VisibilityPublic)
	m.files[p] = &file{
		data:       data,
		modTime:    m.now(),
		visibility: visibilityOr(cfg.Visibility),
	}
	return nil
}

// Delete removes the file at p.
func (m *MemFS) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[p]; !ok {
		return notFound(p)
	}
	delete(m.files, p)
	return nil
}

// Rename moves the file at from to to, replacing any file at to.
func (m *MemFS) Rename(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[from]
	if !ok {
		return notFound(from)
	}
	if m.isDir(to) {
		return fmt.Errorf("%w: %s", errIsDir, to)
	}
	m.mkdirAll(parent(to), lockingfs.VisibilityPublic)
	delete(m.files, from)
	m.files[to] = f
	return nil
}

// Copy duplicates the file at from to to, replacing any file at to.
func (m *MemFS) Copy(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[from]
	if !ok {
		return notFound(from)
	}
	if m.isDir(to) {
		return fmt.Errorf("%w: %s", errIsDir, to)
	}
	m.mkdirAll(parent(to), lockingfs.VisibilityPublic)
	m.files[to] = &file{
		data:       bytes.Clone(f.data),
		modTime:    m.now(),
		visibility: f.visibility,
	}
	return nil
}

// ListContents lists the entries of dir, sorted by path. With recursive set
// it descends into subdirectories.
func (m *MemFS) ListContents(ctx context.Context, dir string, recursive bool) ([]lockingfs.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isDir(dir) {
		return nil, notFound(dir)
	}

	within := func(p string) bool {
		if dir != "" && !strings.HasPrefix(p, dir+"/") {
			return false
		}
		return recursive || parent(p) == dir
	}

	var out []lockingfs.Metadata
	for p, f := range m.files {
		if within(p) {
			out = append(out, m.fileMetadata(p, f))
		}
	}
	for d, v := range m.dirs {
		if within(d) {
			out = append(out, lockingfs.Metadata{Path: d, Type: lockingfs.TypeDir, Visibility: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CreateDir creates dir and its parents.
func (m *MemFS) CreateDir(ctx context.Context, dir string, cfg lockingfs.WriteConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[dir]; ok {
		return fmt.Errorf("%w: %s", lockingfs.ErrFileExists, dir)
	}
	m.mkdirAll(parent(dir), lockingfs.VisibilityPublic)
	if dir != "" {
		m.dirs[dir] = visibilityOr(cfg.Visibility)
	}
	return nil
}

// DeleteDir removes dir and everything below it.
func (m *MemFS) DeleteDir(ctx context.Context, dir string) error {
	if dir == "" {
		return lockingfs.ErrRootViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isDir(dir) {
		return notFound(dir)
	}
	prefix := dir + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			delete(m.files, p)
		}
	}
	for d := range m.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(m.dirs, d)
		}
	}
	return nil
}

// GetMetadata returns the metadata of the file or directory at p.
func (m *MemFS) GetMetadata(ctx context.Context, p string) (*lockingfs.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f, ok := m.files[p]; ok {
		meta := m.fileMetadata(p, f)
		return &meta, nil
	}
	if m.isDir(p) {
		return &lockingfs.Metadata{Path: p, Type: lockingfs.TypeDir, Visibility: visibilityOr(m.dirs[p])}, nil
	}
	return nil, notFound(p)
}

// SetVisibility changes the visibility of the file or directory at p.
func (m *MemFS) SetVisibility(ctx context.Context, p string, v lockingfs.Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[p]; ok {
		f.visibility = v
		return nil
	}
	if _, ok := m.dirs[p]; ok {
		m.dirs[p] = v
		return nil
	}
	return notFound(p)
}

func (m *MemFS) fileMetadata(p string, f *file) lockingfs.Metadata {
	head := f.data
	if len(head) > 512 {
		head = head[:512]
	}
	return lockingfs.Metadata{
		Path:       p,
		Type:       lockingfs.TypeFile,
		Size:       int64(len(f.data)),
		Timestamp:  f.modTime,
		Mimetype:   lockingfs.DetectMimetype(p, head),
		Visibility: f.visibility,
	}
}
