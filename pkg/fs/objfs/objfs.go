// Package objfs provides a lockingfs.Adapter on an object storage bucket.
//
// Object stores have neither directories nor permissions, so objfs keeps them
// in small JSON sidecars: every file p has a "p.meta.json" object holding its
// visibility, and an explicitly created directory d is a "d/.dir.meta.json"
// object. Directories also exist implicitly as the common prefix of the files
// below them.
package objfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goccy/go-json"
	"github.com/mrchypark/lockingfs"
	"github.com/thanos-io/objstore"
	"golang.org/x/sync/errgroup"
)

var errStopIter = errors.New("objfs: stop iteration")

const (
	metaSuffix = ".meta.json"
	dirMarker  = ".dir" + metaSuffix

	// deleteConcurrency bounds parallel object deletes in DeleteDir.
	deleteConcurrency = 8
)

// ObjFS wraps an objstore.Bucket to implement lockingfs.Adapter.
type ObjFS struct {
	bucket objstore.Bucket
	logger log.Logger
}

var _ lockingfs.Adapter = (*ObjFS)(nil)

// New creates an ObjFS on bucket.
func New(bucket objstore.Bucket, logger log.Logger) *ObjFS {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ObjFS{
		bucket: bucket,
		logger: logger,
	}
}

// metaFilePayload defines the structure stored in a sidecar object.
type metaFilePayload struct {
	Visibility lockingfs.Visibility `json:"visibility"`
}

func notFound(p string) error {
	return fmt.Errorf("%w: %s", lockingfs.ErrFileNotFound, p)
}

func toMetaPath(p string) string {
	return p + metaSuffix
}

func toDirMarker(dir string) string {
	return dir + objstore.DirDelim + dirMarker
}

// toPrefix returns the listing prefix of dir.
func toPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + objstore.DirDelim
}

func isSidecar(name string) bool {
	return strings.HasSuffix(name, metaSuffix)
}

func parent(p string) string {
	if i := strings.LastIndex(p, objstore.DirDelim); i >= 0 {
		return p[:i]
	}
	return ""
}

// Has reports whether a file or directory exists at p.
func (a *ObjFS) Has(ctx context.Context, p string) (bool, error) {
	if p == "" {
		return true, nil
	}
	ok, err := a.bucket.Exists(ctx, p)
	if err != nil || ok {
		return ok, err
	}
	return a.isDir(ctx, p)
}

// isDir reports whether any object lives below dir.
func (a *ObjFS) isDir(ctx context.Context, dir string) (bool, error) {
	if dir == "" {
		return true, nil
	}
	found := false
	err := a.bucket.Iter(ctx, toPrefix(dir), func(string) error {
		found = true
		// Stop at the first entry.
		return errStopIter
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return false, err
	}
	return found, nil
}

// Read returns the contents of the file at p.
func (a *ObjFS) Read(ctx context.Context, p string) ([]byte, error) {
	rc, err := a.ReadStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadStream returns the object at p as a stream. The caller must close it.
func (a *ObjFS) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := a.bucket.Get(ctx, p)
	if err != nil {
		if a.bucket.IsObjNotFoundErr(err) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("failed to get object %q: %w", p, err)
	}
	return r, nil
}

// Write uploads r to p followed by its sidecar. An existing object is
// replaced.
func (a *ObjFS) Write(ctx context.Context, p string, r io.Reader, cfg lockingfs.WriteConfig) error {
	if err := a.bucket.Upload(ctx, p, r); err != nil {
		level.Error(a.logger).Log("msg", "data object upload failed", "path", p, "err", err)
		return fmt.Errorf("data upload for %q failed: %w", p, err)
	}
	return a.writeMeta(ctx, toMetaPath(p), visibilityOr(cfg.Visibility))
}

func visibilityOr(v lockingfs.Visibility) lockingfs.Visibility {
	if v == "" {
		return lockingfs.VisibilityPublic
	}
	return v
}

func (a *ObjFS) writeMeta(ctx context.Context, metaPath string, v lockingfs.Visibility) error {
	metaBytes, err := json.Marshal(metaFilePayload{Visibility: v})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %q: %w", metaPath, err)
	}
	if err := a.bucket.Upload(ctx, metaPath, bytes.NewReader(metaBytes)); err != nil {
		level.Error(a.logger).Log("msg", "failed to upload metadata object", "path", metaPath, "err", err)
		return fmt.Errorf("failed to upload metadata %q: %w", metaPath, err)
	}
	return nil
}

// readMeta returns the sidecar at metaPath; a missing sidecar reads as public.
func (a *ObjFS) readMeta(ctx context.Context, metaPath string) (metaFilePayload, error) {
	payload := metaFilePayload{Visibility: lockingfs.VisibilityPublic}

	r, err := a.bucket.Get(ctx, metaPath)
	if err != nil {
		if a.bucket.IsObjNotFoundErr(err) {
			return payload, nil
		}
		return payload, fmt.Errorf("failed to get metadata object %q: %w", metaPath, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			level.Warn(a.logger).Log("msg", "failed to close metadata reader", "path", metaPath, "err", err)
		}
	}()

	metaBytes, err := io.ReadAll(r)
	if err != nil {
		return payload, fmt.Errorf("failed to read metadata %q: %w", metaPath, err)
	}
	if err := json.Unmarshal(metaBytes, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal metadata %q: %w", metaPath, err)
	}
	return payload, nil
}

// Delete removes the object at p and its sidecar.
func (a *ObjFS) Delete(ctx context.Context, p string) error {
	ok, err := a.bucket.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(p)
	}
	return a.deleteObjects(ctx, []string{p, toMetaPath(p)})
}

// deleteObjects removes names concurrently. Objects that are already gone are
// not an error.
func (a *ObjFS) deleteObjects(ctx context.Context, names []string) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)

	for _, name := range names {
		g.Go(func() error {
			if err := a.bucket.Delete(gCtx, name); err != nil && !a.bucket.IsObjNotFoundErr(err) {
				level.Error(a.logger).Log("msg", "failed to delete object", "path", name, "err", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Rename copies the object at from to to and removes the original.
func (a *ObjFS) Rename(ctx context.Context, from, to string) error {
	if err := a.Copy(ctx, from, to); err != nil {
		return err
	}
	return a.deleteObjects(ctx, []string{from, toMetaPath(from)})
}

// Copy duplicates the object at from to to, along with its visibility.
func (a *ObjFS) Copy(ctx context.Context, from, to string) error {
	r, err := a.ReadStream(ctx, from)
	if err != nil {
		return err
	}
	defer r.Close()

	meta, err := a.readMeta(ctx, toMetaPath(from))
	if err != nil {
		return err
	}
	return a.Write(ctx, to, r, lockingfs.WriteConfig{Visibility: meta.Visibility})
}

// ListContents lists the entries of dir sorted by path. With recursive set it
// descends into subdirectories.
func (a *ObjFS) ListContents(ctx context.Context, dir string, recursive bool) ([]lockingfs.Metadata, error) {
	var files []string
	dirs := map[string]bool{}

	err := a.bucket.Iter(ctx, toPrefix(dir), func(name string) error {
		for d := parent(name); d != dir && d != ""; d = parent(d) {
			dirs[d] = true
		}
		if !isSidecar(name) {
			files = append(files, name)
		}
		return nil
	}, objstore.WithRecursiveIter())
	if err != nil {
		return nil, err
	}
	if dir != "" && len(files) == 0 && len(dirs) == 0 {
		if ok, err := a.isDir(ctx, dir); err != nil || !ok {
			if err != nil {
				return nil, err
			}
			return nil, notFound(dir)
		}
	}

	within := func(p string) bool {
		return recursive || parent(p) == dir
	}

	var out []lockingfs.Metadata
	for _, f := range files {
		if !within(f) {
			continue
		}
		meta, err := a.fileMetadata(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, *meta)
	}
	for d := range dirs {
		if !within(d) {
			continue
		}
		meta, err := a.dirMetadata(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CreateDir writes the directory marker of dir.
func (a *ObjFS) CreateDir(ctx context.Context, dir string, cfg lockingfs.WriteConfig) error {
	if dir == "" {
		return nil
	}
	return a.writeMeta(ctx, toDirMarker(dir), visibilityOr(cfg.Visibility))
}

// DeleteDir removes every object below dir.
func (a *ObjFS) DeleteDir(ctx context.Context, dir string) error {
	if dir == "" {
		return lockingfs.ErrRootViolation
	}

	var names []string
	err := a.bucket.Iter(ctx, toPrefix(dir), func(name string) error {
		names = append(names, name)
		return nil
	}, objstore.WithRecursiveIter())
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return notFound(dir)
	}
	level.Debug(a.logger).Log("msg", "deleting directory", "path", dir, "objects", len(names))
	return a.deleteObjects(ctx, names)
}

// GetMetadata returns the metadata of the file or directory at p.
func (a *ObjFS) GetMetadata(ctx context.Context, p string) (*lockingfs.Metadata, error) {
	if p != "" {
		ok, err := a.bucket.Exists(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			return a.fileMetadata(ctx, p)
		}
	}
	ok, err := a.isDir(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(p)
	}
	return a.dirMetadata(ctx, p)
}

// SetVisibility rewrites the sidecar of the file or directory at p.
func (a *ObjFS) SetVisibility(ctx context.Context, p string, v lockingfs.Visibility) error {
	ok, err := a.bucket.Exists(ctx, p)
	if err != nil {
		return err
	}
	if ok {
		return a.writeMeta(ctx, toMetaPath(p), v)
	}
	if ok, err := a.isDir(ctx, p); err != nil || !ok {
		if err != nil {
			return err
		}
		return notFound(p)
	}
	return a.writeMeta(ctx, toDirMarker(p), v)
}

func (a *ObjFS) fileMetadata(ctx context.Context, p string) (*lockingfs.Metadata, error) {
	attrs, err := a.bucket.Attributes(ctx, p)
	if err != nil {
		if a.bucket.IsObjNotFoundErr(err) {
			return nil, notFound(p)
		}
		return nil, err
	}
	meta, err := a.readMeta(ctx, toMetaPath(p))
	if err != nil {
		return nil, err
	}

	mimetype := lockingfs.DetectMimetype(p, nil)
	if path.Ext(p) == "" && attrs.Size > 0 {
		mimetype = lockingfs.DetectMimetype(p, a.head(ctx, p))
	}

	return &lockingfs.Metadata{
		Path:       p,
		Type:       lockingfs.TypeFile,
		Size:       attrs.Size,
		Timestamp:  attrs.LastModified,
		Mimetype:   mimetype,
		Visibility: meta.Visibility,
	}, nil
}

func (a *ObjFS) dirMetadata(ctx context.Context, dir string) (*lockingfs.Metadata, error) {
	meta, err := a.readMeta(ctx, toDirMarker(dir))
	if err != nil {
		return nil, err
	}
	return &lockingfs.Metadata{Path: dir, Type: lockingfs.TypeDir, Visibility: meta.Visibility}, nil
}

// head returns the first bytes of the object at p for content sniffing.
func (a *ObjFS) head(ctx context.Context, p string) []byte {
	r, err := a.bucket.GetRange(ctx, p, 0, 512)
	if err != nil {
		return nil
	}
	defer r.Close()
	b, _ := io.ReadAll(r)
	return b
}
