package collection

import (
	"context"
	"fmt"
	"io"
	"time"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// _WriteResult is the outcome of one copy write.
type _WriteResult struct {
	store string
	info  interf.CopyInfo
	err   error
}

func (c *_Collection) Insert(ctx context.Context, r io.Reader, original interf.Original, metadata map[string]string) (*interf.FileRecord, error) {
	if r == nil {
		return nil, errors.NotValidf("nil stream")
	}

	// policy on the declared metadata
	if err := c.policy.Validate(original); err != nil {
		c.metrics.reject(c.name, err)
		return nil, err
	}

	// spool and check the real size
	sp, err := spool(ctx, r, c.spoolDir, c.spoolMemory, c.policy.CheckSize)
	if err != nil {
		c.metrics.reject(c.name, err)
		return nil, errors.Annotate(err, "read upload")
	}
	defer c.closeSpool(sp)

	if original.Size > 0 && original.Size != sp.Size() {
		return nil, errors.NotValidf("declared size %d, but the stream has %d bytes", original.Size, sp.Size())
	}
	original.Size = sp.Size()

	// the record exists before the first copy
	rec := interf.NewFileRecord(uuid.NewString(), c.name, original, metadata, c.now())
	if err := c.index.Upsert(ctx, rec); err != nil {
		return nil, errors.Annotatef(err, "save file %s", rec.ID)
	}
	c.logger.Info("file accepted",
		zap.String("id", rec.ID),
		zap.String("name", original.Name),
		zap.String("size", rec.FormattedSize("")))

	results := c.writeCopies(ctx, rec, c.slots, sp)
	return c.applyWrites(ctx, rec.ID, results)
}

// Repair writes the missing copies of a file. Without stores, every configured store
// without a copy is repaired. Existing copies are never touched.
func (c *_Collection) Repair(ctx context.Context, id string, stores ...string) (*interf.FileRecord, error) {
	rec, err := c.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PendingRemoval {
		return nil, errors.NotFoundf("file %s (pending removal)", id)
	}

	// targets
	var targets []*_Slot
	if len(stores) == 0 {
		for _, s := range c.slots {
			if !rec.IsStored(s.name) {
				targets = append(targets, s)
			}
		}
	} else {
		for _, name := range stores {
			s, err := c.slot(name)
			if err != nil {
				return nil, err
			}
			if !rec.IsStored(name) {
				targets = append(targets, s)
			}
		}
	}
	if len(targets) == 0 {
		return rec, nil
	}

	// content from the first readable copy
	sp, err := c.spoolCopy(ctx, rec)
	if err != nil {
		return nil, errors.Annotatef(err, "repair file %s", id)
	}
	defer c.closeSpool(sp)

	results := c.writeCopies(ctx, rec, targets, sp)
	return c.applyWrites(ctx, id, results)
}

// Rewrite replaces the copy of one store. CreatedAt of an existing copy is kept.
func (c *_Collection) Rewrite(ctx context.Context, id, store string, r io.Reader) (*interf.FileRecord, error) {
	if r == nil {
		return nil, errors.NotValidf("nil stream")
	}
	s, err := c.slot(store)
	if err != nil {
		return nil, err
	}
	if !s.cfg.AllowOverwrite {
		return nil, errors.Forbiddenf("store %s of collection %s does not allow overwrites", store, c.name)
	}
	rec, err := c.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PendingRemoval {
		return nil, errors.NotFoundf("file %s (pending removal)", id)
	}
	old, hadCopy := rec.Info(store)

	sp, err := spool(ctx, r, c.spoolDir, c.spoolMemory, c.policy.CheckSize)
	if err != nil {
		c.metrics.reject(c.name, err)
		return nil, errors.Annotate(err, "read upload")
	}
	defer c.closeSpool(sp)

	res := c.writeCopy(ctx, rec, s, sp)
	if res.err == nil && hadCopy {
		res.info.CreatedAt = old.CreatedAt
		if old.Key != res.info.Key {
			if err := s.store.Remove(ctx, old.Key); err != nil {
				c.logger.Warn("remove replaced copy", zap.String("id", id), zap.String("store", store), zap.Error(err))
			}
		}
	}
	return c.applyWrites(ctx, id, []_WriteResult{res})
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// writeCopies writes a copy to every slot, at most c.concurrency at once.
// After a cancellation no further write is started; those stores report the context error.
func (c *_Collection) writeCopies(ctx context.Context, rec *interf.FileRecord, slots []*_Slot, sp *_Spool) []_WriteResult {
	results := make([]_WriteResult, len(slots))

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, s := range slots {
		i, s := i, s
		if err := ctx.Err(); err != nil {
			results[i] = _WriteResult{store: s.name, err: errors.Annotate(err, "write not started")}
			continue
		}
		g.Go(func() error {
			results[i] = c.writeCopy(ctx, rec.Clone(), s, sp)
			return nil // a failed store never stops the others
		})
	}
	_ = g.Wait()
	return results
}

// writeCopy runs the hook, the write transforms and the store write.
// Every attempt reads the spool from the start.
func (c *_Collection) writeCopy(ctx context.Context, rec *interf.FileRecord, s *_Slot, sp *_Spool) _WriteResult {
	res := _WriteResult{store: s.name}
	if ctx.Err() != nil {
		res.err = errors.Annotate(ctx.Err(), "write not started")
		return res
	}

	if s.cfg.BeforeWrite != nil {
		if err := s.cfg.BeforeWrite(ctx, rec, s.name); err != nil {
			res.err = interf.NewStoreError(s.name, interf.OpWrite, interf.KindPermanent, errors.Annotate(err, "before write"))
			return res
		}
	}

	key := s.keys(rec, s.name)
	start := time.Now()
	res.err = impl.Retry(ctx, s.retry, s.name, interf.OpWrite, func(actx context.Context) error {
		src, err := s.cfg.Transforms.Write(rec, sp.Open())
		if err != nil {
			return interf.NewStoreError(s.name, interf.OpWrite, interf.KindPermanent, errors.Annotate(err, "transform"))
		}
		defer src.Close()

		ci, err := s.raw.Write(actx, key, src, rec)
		if err != nil {
			return err
		}
		res.info = ci
		return nil
	})
	c.metrics.observe(c.name, s.name, interf.OpWrite, start, res.err)
	if res.err != nil {
		c.logger.Error("copy not written", zap.String("id", rec.ID), zap.String("store", s.name), zap.Error(res.err))
		return res
	}

	if res.info.Key == "" {
		res.info.Key = key
	}
	c.logger.Debug("copy written",
		zap.String("id", rec.ID),
		zap.String("store", s.name),
		zap.String("key", res.info.Key),
		zap.Int64("size", res.info.Size))
	return res
}

// applyWrites saves copies and failures under the record lock.
// A failed store gets a CopyFailure; its existing copy stays untouched.
func (c *_Collection) applyWrites(ctx context.Context, id string, results []_WriteResult) (*interf.FileRecord, error) {
	ctx = context.WithoutCancel(ctx) // completed copies are saved after a cancellation
	now := c.now()
	failed := make(map[string]error)

	rec, err := c.update(ctx, id, func(rec *interf.FileRecord) error {
		if rec.Copies == nil {
			rec.Copies = make(map[string]interf.CopyInfo)
		}
		if rec.Failures == nil {
			rec.Failures = make(map[string]interf.CopyFailure)
		}
		for _, r := range results {
			if r.err != nil {
				failed[r.store] = r.err
				kind := interf.KindOf(r.err)
				if kind == 0 {
					kind = interf.KindPermanent
				}
				rec.Failures[r.store] = interf.CopyFailure{Kind: kind, Message: r.err.Error(), At: now}
				continue
			}
			r.info.Generation = nextGeneration(rec.Copies[r.store].Generation, now)
			rec.Copies[r.store] = r.info
			delete(rec.Failures, r.store)
		}
		return nil
	})
	if errors.Is(err, errors.NotFound) {
		// removed while writing: the new copies have no record
		for _, r := range results {
			if r.err == nil {
				_ = c.removeCopy(ctx, r.store, r.info.Key)
			}
		}
		return nil, errors.NewNotFound(err, fmt.Sprintf("file %s was removed during the write", id))
	}
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		return rec, &interf.PartialWriteError{ID: id, Failed: failed}
	}
	return rec, nil
}

// nextGeneration returns a generation greater than prev.
// Generations are based on the write time, so a removed and recreated key never reuses one.
func nextGeneration(prev int64, now time.Time) int64 {
	gen := now.UnixNano()
	if gen <= prev {
		gen = prev + 1
	}
	return gen
}

// spoolCopy reads the content of the first readable copy (configured order).
func (c *_Collection) spoolCopy(ctx context.Context, rec *interf.FileRecord) (*_Spool, error) {
	var lastErr error = errors.NotFoundf("copy of file %s", rec.ID)
	for _, s := range c.slots {
		if !rec.IsStored(s.name) {
			continue
		}
		rc, err := c.open(ctx, rec, s)
		if err != nil {
			lastErr = err
			continue
		}
		sp, err := spool(ctx, rc, c.spoolDir, c.spoolMemory, nil)
		_ = rc.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return sp, nil
	}
	return nil, lastErr
}

func (c *_Collection) closeSpool(sp *_Spool) {
	if err := sp.Close(); err != nil {
		c.logger.Warn("remove spool file", zap.Error(err))
	}
}
