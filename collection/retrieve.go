package collection

import (
	"context"
	"io"
	"time"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

func (c *_Collection) Retrieve(ctx context.Context, id, store string) (io.ReadCloser, error) {
	rec, s, err := c.resolve(ctx, id, store)
	if err != nil {
		return nil, err
	}
	return c.open(ctx, rec, s)
}

func (c *_Collection) RetrieveBytes(ctx context.Context, id, store string) ([]byte, error) {
	rc, err := c.Retrieve(ctx, id, store)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Annotatef(err, "read file %s", id)
	}
	return b, nil
}

// ReaderAt uses the sector cache for untransformed copies in stores with ranged reads.
// Other copies are loaded into RAM (up to interf.MaxRamReaderAt).
func (c *_Collection) ReaderAt(ctx context.Context, id, store string) (interf.ReaderAt, error) {
	rec, s, err := c.resolve(ctx, id, store)
	if err != nil {
		return nil, err
	}
	ci, _ := rec.Info(s.name)

	if len(s.cfg.Transforms) == 0 {
		if ci.Size == 0 {
			return impl.NewZeroReaderAt(), nil
		}
		if rr, ok := s.store.(interf.RangeReader); ok {
			return impl.NewReaderAt(ctx, s.name, ci.Key, ci.Generation, ci.Size, rr, c.cache, c.logger)
		}
	}

	rc, err := c.open(ctx, rec, s)
	if err != nil {
		return nil, err
	}
	return impl.LoadRamReaderAt(rc)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// resolve returns the record and the store of a readable copy.
// store = "" selects the first configured store with a copy.
func (c *_Collection) resolve(ctx context.Context, id, store string) (*interf.FileRecord, *_Slot, error) {
	rec, err := c.FindOne(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.PendingRemoval {
		return nil, nil, errors.NotFoundf("file %s (pending removal)", id)
	}

	if store == "" {
		for _, s := range c.slots {
			if rec.IsStored(s.name) {
				return rec, s, nil
			}
		}
		return nil, nil, errors.NotFoundf("copy of file %s", id)
	}

	s, err := c.slot(store)
	if err != nil {
		return nil, nil, err
	}
	if !rec.IsStored(store) {
		return nil, nil, errors.NotFoundf("copy of file %s in store %s", id, store)
	}
	return rec, s, nil
}

// open reads a copy and applies the read transforms.
func (c *_Collection) open(ctx context.Context, rec *interf.FileRecord, s *_Slot) (io.ReadCloser, error) {
	ci, ok := rec.Info(s.name)
	if !ok {
		return nil, errors.NotFoundf("copy of file %s in store %s", rec.ID, s.name)
	}

	start := time.Now()
	rc, err := s.store.Read(ctx, ci.Key)
	c.metrics.observe(c.name, s.name, interf.OpRead, start, err)
	if err != nil {
		return nil, err
	}
	if len(s.cfg.Transforms) == 0 {
		return rc, nil
	}

	out, err := s.cfg.Transforms.Read(rec, rc)
	if err != nil {
		_ = rc.Close()
		return nil, errors.Annotatef(err, "transform copy of file %s in store %s", rec.ID, s.name)
	}
	return &_StackedReader{ReadCloser: out, inner: rc}, nil
}

// _StackedReader closes the transform chain and the store reader.
type _StackedReader struct {
	io.ReadCloser
	inner io.Closer
}

func (r *_StackedReader) Close() error {
	err := r.ReadCloser.Close()
	if ierr := r.inner.Close(); ierr != nil && err == nil {
		err = ierr
	}
	return err
}
