package collection

import (
	"context"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (c *_Collection) Remove(ctx context.Context, id string) error {
	rec, err := c.FindOne(ctx, id)
	if errors.Is(err, errors.NotFound) {
		return nil // already removed
	}
	if err != nil {
		return err
	}

	// remove all copies (no lock held during store I/O)
	type result struct {
		store string
		gen   int64
		err   error
	}
	names := make([]string, 0, len(rec.Copies))
	for name := range rec.Copies {
		names = append(names, name)
	}
	results := make([]result, len(names))

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, name := range names {
		i, name := i, name
		ci := rec.Copies[name]
		g.Go(func() error {
			results[i] = result{store: name, gen: ci.Generation, err: c.removeCopy(ctx, name, ci.Key)}
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	for _, r := range results {
		if r.err != nil {
			failed[r.store] = r.err
		}
	}

	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	cur, err := c.FindOne(ctx, id)
	if errors.Is(err, errors.NotFound) {
		return nil // removed in the meantime
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		// a copy rewritten in the meantime has a new generation and stays
		if r.err == nil && cur.Copies[r.store].Generation == r.gen {
			delete(cur.Copies, r.store)
		}
	}

	if len(failed) == 0 && len(cur.Copies) == 0 {
		if err := c.index.Delete(ctx, id); err != nil {
			return errors.Annotatef(err, "delete file %s", id)
		}
		c.logger.Info("file removed", zap.String("id", id))
		return nil
	}

	cur.PendingRemoval = true
	if err := c.index.Upsert(ctx, cur); err != nil {
		return errors.Annotatef(err, "mark file %s for removal", id)
	}
	if len(failed) == 0 {
		// copies written while removing
		for name := range cur.Copies {
			failed[name] = errors.Errorf("copy added during removal")
		}
	}
	c.logger.Warn("file pending removal", zap.String("id", id), zap.Strings("stores", sortedStores(failed)))
	return &interf.PartialRemoveError{ID: id, Failed: failed}
}

// SweepPendingRemovals retries every pending removal of the collection.
func (c *_Collection) SweepPendingRemovals(ctx context.Context) (int, error) {
	pending := true
	list, err := c.Find(ctx, interf.Filter{PendingRemoval: &pending})
	if err != nil {
		return 0, errors.Trace(err)
	}

	removed, failed := 0, 0
	var lastErr error
	for _, rec := range list {
		if err := ctx.Err(); err != nil {
			return removed, errors.Trace(err)
		}
		if err := c.Remove(ctx, rec.ID); err != nil {
			failed++
			lastErr = err
			continue
		}
		removed++
	}

	c.logger.Info("pending removals swept", zap.Int("removed", removed), zap.Int("failed", failed))
	if lastErr != nil {
		return removed, errors.Annotatef(lastErr, "%d of %d pending removals failed", failed, len(list))
	}
	return removed, nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// removeCopy removes one copy. A copy in a store that is no longer configured can't be removed.
func (c *_Collection) removeCopy(ctx context.Context, store, key string) error {
	s, err := c.slot(store)
	if err != nil {
		return interf.NewStoreError(store, interf.OpRemove, interf.KindPermanent, err)
	}

	start := time.Now()
	err = s.store.Remove(ctx, key)
	c.metrics.observe(c.name, store, interf.OpRemove, start, err)
	if err != nil {
		c.logger.Error("copy not removed", zap.String("store", store), zap.String("key", key), zap.Error(err))
	}
	return err
}

func sortedStores(m map[string]error) []string {
	return (&interf.PartialRemoveError{Failed: m}).Stores()
}
