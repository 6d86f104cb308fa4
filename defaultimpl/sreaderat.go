package impl

import (
	"io"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

// interface check: interf.ReaderAt
var _ interf.ReaderAt = (*_SubReaderAt)(nil)

// @see interf.ReaderAt
//
// SubReaderAt is a window of n bytes, starting at off, into another ReaderAt.
type _SubReaderAt struct {
	inner interf.ReaderAt
	off   int64
	n     int64
}

// NewSubReaderAt limits inner to the part [off, off+n). The window is cut at the end of inner.
// Closing the SubReaderAt closes inner.
func NewSubReaderAt(inner interf.ReaderAt, off, n int64) (interf.ReaderAt, error) {
	if inner == nil || off < 0 || n < 0 {
		return nil, errors.NotValidf("sub ReaderAt with off=%d and n=%d", off, n)
	}
	if off > inner.Size() {
		off = inner.Size()
	}
	if off+n > inner.Size() {
		n = inner.Size() - off
	}
	return &_SubReaderAt{
		inner: inner,
		off:   off,
		n:     n,
	}, nil
}

// @see interf.ReaderAt
func (r *_SubReaderAt) Close() error {
	return r.inner.Close()
}

// @see interf.ReaderAt
func (r *_SubReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, errors.NotValidf("negative offset %d", off)
	}
	if off >= r.n {
		return 0, io.EOF
	}

	// enforce limit
	limited := false
	if rest := r.n - off; int64(len(p)) > rest {
		p = p[:rest]
		limited = true
	}

	// inner call
	n, err = r.inner.ReadAt(p, r.off+off)
	if limited && err == nil {
		err = io.EOF // buffer is NOT full
	}

	// fix EOF for no data
	if n == 0 && err == nil {
		err = io.EOF
	}
	return
}

// @see interf.ReaderAt
func (r *_SubReaderAt) Size() int64 {
	return r.n
}

// @see interf.ReaderAt
func (r *_SubReaderAt) Stat() map[string]uint64 {
	return r.inner.Stat()
}
