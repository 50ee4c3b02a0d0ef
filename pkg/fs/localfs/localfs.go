// Package localfs provides a lockingfs.Adapter on a local directory.
//
// Writes go to a temporary file that is renamed into place, so readers that
// bypass the lock never see a partially written file. Visibility maps to Unix
// permissions: public files are 0644 and private files 0600, directories 0755
// and 0700.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/mrchypark/lockingfs"
)

const (
	tmpPrefix = ".lockingfs-"
	tmpSuffix = ".tmp"
)

var errIsDir = errors.New("localfs: path is a directory")

// LocalFS is a disk-based implementation of lockingfs.Adapter rooted at a
// directory.
type LocalFS struct {
	root               string
	logger             log.Logger
	useCopyAndTruncate bool
}

var _ lockingfs.Adapter = (*LocalFS)(nil)

// Option configures the LocalFS with additional settings.
type Option func(*LocalFS)

// WithCopyAndTruncate copies temporary files into place instead of renaming
// them. Use it on network filesystems without atomic rename, such as some NFS
// mounts.
func WithCopyAndTruncate() Option {
	return func(l *LocalFS) {
		l.useCopyAndTruncate = true
	}
}

// New creates a LocalFS rooted at dir, creating dir if needed.
func New(dir string, logger log.Logger, opts ...Option) (*LocalFS, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	l := &LocalFS{root: abs, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Root returns the absolute root directory.
func (l *LocalFS) Root() string {
	return l.root
}

func (l *LocalFS) fullPath(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

func notFound(p string) error {
	return fmt.Errorf("%w: %s", lockingfs.ErrFileNotFound, p)
}

func filePerm(v lockingfs.Visibility) fs.FileMode {
	if v == lockingfs.VisibilityPrivate {
		return 0o600
	}
	return 0o644
}

func dirPerm(v lockingfs.Visibility) fs.FileMode {
	if v == lockingfs.VisibilityPrivate {
		return 0o700
	}
	return 0o755
}

func visibilityOf(mode fs.FileMode) lockingfs.Visibility {
	if mode.Perm()&0o044 == 0 {
		return lockingfs.VisibilityPrivate
	}
	return lockingfs.VisibilityPublic
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tmpPrefix) && strings.HasSuffix(name, tmpSuffix)
}

// Has reports whether a file or directory exists at p.
func (l *LocalFS) Has(ctx context.Context, p string) (bool, error) {
	_, err := os.Stat(l.fullPath(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Read returns the contents of the file at p.
func (l *LocalFS) Read(ctx context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(l.fullPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	return data, err
}

// ReadStream opens the file at p. The caller must close it.
func (l *LocalFS) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(l.fullPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Write stores the contents of r at p through a temporary file, creating
// parent directories as needed. An existing file is replaced.
func (l *LocalFS) Write(ctx context.Context, p string, r io.Reader, cfg lockingfs.WriteConfig) (err error) {
	finalPath := l.fullPath(p)
	if info, statErr := os.Stat(finalPath); statErr == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", errIsDir, p)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory for %s: %w", p, err)
	}

	tmpName := filepath.Join(l.root, tmpPrefix+uuid.NewString()+tmpSuffix)
	tmpFile, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm(cfg.Visibility))
	if err != nil {
		return err
	}
	defer func() {
		if errRemove := os.Remove(tmpName); errRemove != nil && !errors.Is(errRemove, fs.ErrNotExist) {
			level.Warn(l.logger).Log("msg", "failed to remove temporary file", "file", tmpName, "err", errRemove)
			if err == nil {
				err = errRemove
			}
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	// OpenFile is subject to the umask.
	if err := os.Chmod(tmpName, filePerm(cfg.Visibility)); err != nil {
		return err
	}

	if l.useCopyAndTruncate {
		if err := copyFile(tmpName, finalPath); err != nil {
			return fmt.Errorf("failed to copy temp file to final path: %w", err)
		}
		return os.Chmod(finalPath, filePerm(cfg.Visibility))
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	level.Debug(l.logger).Log("msg", "file written", "path", p)
	return nil
}

// Delete removes the file at p.
func (l *LocalFS) Delete(ctx context.Context, p string) error {
	full := l.fullPath(p)
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(p)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", errIsDir, p)
	}
	return os.Remove(full)
}

// Rename moves the file at from to to.
func (l *LocalFS) Rename(ctx context.Context, from, to string) error {
	src, dst := l.fullPath(from), l.fullPath(to)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return notFound(from)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Copy duplicates the file at from to to, keeping its permissions.
func (l *LocalFS) Copy(ctx context.Context, from, to string) error {
	src, dst := l.fullPath(from), l.fullPath(to)
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(from)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", errIsDir, from)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode().Perm())
}

// ListContents lists the entries of dir in lexical order. With recursive set
// it descends into subdirectories.
func (l *LocalFS) ListContents(ctx context.Context, dir string, recursive bool) ([]lockingfs.Metadata, error) {
	base := l.fullPath(dir)
	info, err := os.Stat(base)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, notFound(dir)
	}
	if err != nil {
		return nil, err
	}

	var out []lockingfs.Metadata
	err = filepath.WalkDir(base, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if full == base {
			return nil
		}
		if isTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(l.root, full)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed while listing.
				return nil
			}
			return err
		}
		out = append(out, l.metadata(filepath.ToSlash(rel), full, info))
		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDir creates dir and its parents.
func (l *LocalFS) CreateDir(ctx context.Context, dir string, cfg lockingfs.WriteConfig) error {
	full := l.fullPath(dir)
	if err := os.MkdirAll(full, dirPerm(cfg.Visibility)); err != nil {
		return err
	}
	return os.Chmod(full, dirPerm(cfg.Visibility))
}

// DeleteDir removes dir and everything below it.
func (l *LocalFS) DeleteDir(ctx context.Context, dir string) error {
	if dir == "" {
		return lockingfs.ErrRootViolation
	}
	full := l.fullPath(dir)
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return notFound(dir)
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

// GetMetadata returns the metadata of the file or directory at p.
func (l *LocalFS) GetMetadata(ctx context.Context, p string) (*lockingfs.Metadata, error) {
	full := l.fullPath(p)
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, err
	}
	meta := l.metadata(p, full, info)
	return &meta, nil
}

// SetVisibility changes the permissions of the file or directory at p.
func (l *LocalFS) SetVisibility(ctx context.Context, p string, v lockingfs.Visibility) error {
	full := l.fullPath(p)
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(p)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.Chmod(full, dirPerm(v))
	}
	return os.Chmod(full, filePerm(v))
}

func (l *LocalFS) metadata(p, full string, info fs.FileInfo) lockingfs.Metadata {
	if info.IsDir() {
		return lockingfs.Metadata{
			Path:       p,
			Type:       lockingfs.TypeDir,
			Timestamp:  info.ModTime(),
			Visibility: visibilityOf(info.Mode()),
		}
	}
	return lockingfs.Metadata{
		Path:       p,
		Type:       lockingfs.TypeFile,
		Size:       info.Size(),
		Timestamp:  info.ModTime(),
		Mimetype:   lockingfs.DetectMimetype(p, l.head(full)),
		Visibility: visibilityOf(info.Mode()),
	}
}

// head returns up to 512 bytes from the start of the file, enough for content
// sniffing.
func (l *LocalFS) head(full string) []byte {
	f, err := os.Open(full)
	if err != nil {
		return nil
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	return buf[:n]
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := in.Close(); err == nil {
			err = closeErr
		}
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
