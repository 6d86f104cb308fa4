// Package filesystem is the local filesystem backend: every copy is one file under a root directory.
package filesystem

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
)

// interface check: interf.Store and interf.RangeReader
var _ interf.Store = (*_Store)(nil)
var _ interf.RangeReader = (*_Store)(nil)

// copyBufferSize is the buffer size for streaming a copy to disk.
const copyBufferSize = 128 * 1024

// @see interf.Store
type _Store struct {
	name   string
	root   string          // absolute
	pool   *bpool.BytePool // copy buffers
	logger *zap.Logger
}

// New return the filesystem implementation of interf.Store.
// The root directory is created if it doesn't exist. Keys are slash separated paths below root.
func New(name, root string, logger *zap.Logger) (interf.Store, error) {
	if name == "" || root == "" {
		return nil, errors.NotValidf("filesystem store with name=%q and root=%q", name, root)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Annotatef(err, "create storage root %q", root)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Annotatef(err, "resolve storage root %q", root)
	}

	return &_Store{
		name:   name,
		root:   absRoot,
		pool:   bpool.NewBytePool(8, copyBufferSize),
		logger: logger.Named("store." + name),
	}, nil
}

//-----------  IMPLEMENTATION:  @see interf.Store  -------------------------------------------------------------------//

func (s *_Store) Name() string {
	return s.name
}

// Write streams r into a temp file next to the destination, syncs it and renames it.
// A failed write leaves no file behind.
func (s *_Store) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	dest, err := s.abs(key)
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, err)
	}
	if r == nil || rec == nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.NotValidf("nil reader or record"))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(err, "mkdir %q", filepath.Dir(dest)))
	}

	tmp := dest + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(err, "open tmp %q", tmp))
	}

	buf := s.pool.Get()
	n, werr := io.CopyBuffer(struct{ io.Writer }{f}, &ctxReader{ctx: ctx, r: r}, buf) // hide ReaderFrom to use buf
	s.pool.Put(buf)

	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp, dest)
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(werr, "write %q", key))
	}

	st, err := os.Stat(dest)
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Trace(err))
	}

	s.logger.Debug("copy written", zap.String("key", key), zap.Int64("size", n))
	return interf.CopyInfo{
		Key:       key,
		Name:      rec.Original.Name,
		Size:      n,
		Type:      rec.Original.Type,
		CreatedAt: st.ModTime().UTC(),
		UpdatedAt: st.ModTime().UTC(),
	}, nil
}

func (s *_Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.ReadRange(ctx, key, 0)
}

func (s *_Store) ReadRange(_ context.Context, key string, off int64) (io.ReadCloser, error) {
	p, err := s.abs(key)
	if err != nil {
		return nil, s.fail(interf.OpRead, err)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, s.fail(interf.OpRead, err)
	}
	if off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, s.fail(interf.OpRead, err)
		}
	}
	return f, nil
}

// Remove deletes the file and the directories that became empty. A missing file is not an error.
func (s *_Store) Remove(_ context.Context, key string) error {
	p, err := s.abs(key)
	if err != nil {
		return s.fail(interf.OpRemove, err)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return s.fail(interf.OpRemove, err)
	}

	// prune empty parents (stops at the first non empty directory)
	for dir := filepath.Dir(p); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}

	s.logger.Debug("copy removed", zap.String("key", key))
	return nil
}

func (s *_Store) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.abs(key)
	if err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	st, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	return st.Mode().IsRegular(), nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// abs resolves a key to a path under root. Keys that escape root are rejected.
func (s *_Store) abs(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.NotValidf("empty key")
	}
	joined := filepath.Join(s.root, filepath.Clean(filepath.FromSlash(key)))
	rel, err := filepath.Rel(s.root, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NotValidf("key %q escapes the storage root", key)
	}
	return joined, nil
}

// fail classifies err and wraps it in a interf.StoreError.
func (s *_Store) fail(op string, err error) error {
	return interf.NewStoreError(s.name, op, Classify(err), err)
}

// Classify maps filesystem errors to store error kinds.
func Classify(err error) interf.ErrorKind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return interf.KindNotFound
	case errors.Is(err, errors.NotValid), errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.ENOSPC):
		return interf.KindPermanent
	case errors.Is(err, context.Canceled):
		return interf.KindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		return interf.KindTransient
	default:
		return interf.KindIO
	}
}

// ctxReader stops a copy when the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
