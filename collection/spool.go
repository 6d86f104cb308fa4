package collection

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/juju/errors"
)

// _Spool holds an upload until every store has its copy.
// Small uploads stay in RAM, larger ones are written to a temp file.
// Every Open returns an independent reader, so the stores can read in parallel.
type _Spool struct {
	mem  []byte
	file *os.File // nil: everything in mem
	size int64
}

// spool reads r to the end. check is called with the number of bytes read so far
// and stops the upload with its error (size limit).
func spool(ctx context.Context, r io.Reader, dir string, memLimit int64, check func(n int64) error) (*_Spool, error) {
	src := &_CheckedReader{ctx: ctx, r: r, check: check}

	// RAM part
	buf := new(bytes.Buffer)
	n, err := io.Copy(buf, io.LimitReader(src, memLimit+1))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n <= memLimit {
		return &_Spool{mem: buf.Bytes(), size: n}, nil
	}

	// temp file
	f, err := os.CreateTemp(dir, "cfs-spool-*")
	if err != nil {
		return nil, errors.Annotate(err, "create spool file")
	}
	s := &_Spool{file: f}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = s.Close()
		return nil, errors.Annotate(err, "write spool file")
	}
	rest, err := io.Copy(struct{ io.Writer }{f}, src)
	if err != nil {
		_ = s.Close()
		return nil, errors.Trace(err)
	}
	s.size = n + rest
	return s, nil
}

// Open returns a new reader from the start.
func (s *_Spool) Open() io.ReadSeeker {
	if s.file == nil {
		return bytes.NewReader(s.mem)
	}
	return io.NewSectionReader(s.file, 0, s.size)
}

func (s *_Spool) Size() int64 {
	return s.size
}

// Close removes the temp file.
func (s *_Spool) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	s.file = nil
	return errors.Trace(err)
}

// _CheckedReader stops when the context is done or the check fails.
type _CheckedReader struct {
	ctx   context.Context
	r     io.Reader
	n     int64
	check func(n int64) error
}

func (c *_CheckedReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.check != nil {
		if cerr := c.check(c.n); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}
