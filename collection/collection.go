// Package collection is the file record manager: it admits uploads through the policy,
// fans the content out to the configured stores and keeps the records in an index.
package collection

import (
	"context"
	"net/url"
	"strings"
	"time"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/SchnorcherSepp/collectionfs/policy"
	"github.com/SchnorcherSepp/collectionfs/transform"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// interface check: interf.Collection
var _ interf.Collection = (*_Collection)(nil)

// @see interf.Collection
type _Collection struct {
	name    string
	slots   []*_Slot // in configured order
	byName  map[string]*_Slot
	policy  *policy.Policy
	index   interf.Index
	baseURL string

	spoolDir    string
	spoolMemory int64
	concurrency int

	cache   interf.Cache // can be nil
	metrics *Collector
	clock   clock.Clock
	logger  *zap.Logger
	locks   *kmutex.Kmutex // per record id
}

// _Slot is a configured store.
type _Slot struct {
	name  string
	cfg   StoreConfig
	raw   interf.Store // writes (retried with a fresh stream per attempt)
	store interf.Store // reads, removes, exists (retry wrapper)
	retry impl.RetryOptions
	keys  impl.KeyMaker
}

// New returns a collection. The options are copied; later changes have no effect.
func New(opts Options) (interf.Collection, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.SpoolMemory <= 0 {
		opts.SpoolMemory = DefaultSpoolMemory
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = len(opts.Stores)
	}
	logger := opts.Logger.Named("collection").With(zap.String("collection", opts.Name))

	index := opts.Index
	if index == nil {
		mi, err := impl.NewMemoryIndex("", logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		index = mi
	}

	metrics, err := registerCollector(opts.Registerer)
	if err != nil {
		return nil, err
	}

	c := &_Collection{
		name:        opts.Name,
		byName:      make(map[string]*_Slot, len(opts.Stores)),
		policy:      opts.Policy,
		index:       index,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		spoolDir:    opts.SpoolDir,
		spoolMemory: opts.SpoolMemory,
		concurrency: opts.Concurrency,
		cache:       opts.Cache,
		metrics:     metrics,
		clock:       opts.Clock,
		logger:      logger,
		locks:       kmutex.New(),
	}

	for _, sc := range opts.Stores {
		name := sc.Store.Name()
		ro := impl.RetryOptions{
			MaxTries: sc.MaxTries,
			Delay:    sc.Delay,
			Timeout:  sc.Timeout,
			Clock:    opts.Clock,
			Logger:   logger,
			OnRetry: func(store, op string, _ int, _ error) {
				metrics.retry(opts.Name, store, op)
			},
		}
		sc.Transforms = append(transform.Chain(nil), sc.Transforms...) // own backing array
		keys := sc.KeyMaker
		if keys == nil {
			keys = impl.DefaultKey
		}
		slot := &_Slot{
			name:  name,
			cfg:   sc,
			raw:   sc.Store,
			store: impl.NewRetryStore(sc.Store, ro),
			retry: ro,
			keys:  keys,
		}
		c.slots = append(c.slots, slot)
		c.byName[name] = slot
	}

	logger.Info("collection opened", zap.Strings("stores", c.Stores()))
	return c, nil
}

//-----------  IMPLEMENTATION:  @see interf.Collection  --------------------------------------------------------------//

func (c *_Collection) Name() string {
	return c.name
}

func (c *_Collection) Stores() []string {
	names := make([]string, len(c.slots))
	for i, s := range c.slots {
		names[i] = s.name
	}
	return names
}

func (c *_Collection) Allowed(original interf.Original) bool {
	return c.policy.Allowed(original)
}

func (c *_Collection) FindOne(ctx context.Context, id string) (*interf.FileRecord, error) {
	if id == "" {
		return nil, errors.NotValidf("empty id")
	}
	rec, err := c.index.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Collection != c.name {
		return nil, errors.NotFoundf("file %s in collection %s", id, c.name)
	}
	return rec, nil
}

func (c *_Collection) Find(ctx context.Context, filter interf.Filter) ([]*interf.FileRecord, error) {
	filter.Collection = c.name
	if filter.PendingRemoval == nil {
		pending := false
		filter.PendingRemoval = &pending
	}
	return c.index.Find(ctx, filter)
}

func (c *_Collection) UpdateMetadata(ctx context.Context, id string, set map[string]string, unset ...string) (*interf.FileRecord, error) {
	rec, err := c.update(ctx, id, func(rec *interf.FileRecord) error {
		if rec.PendingRemoval {
			return errors.NotFoundf("file %s (pending removal)", id)
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(set))
		}
		for k, v := range set {
			rec.Metadata[k] = v
		}
		for _, k := range unset {
			delete(rec.Metadata, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("metadata updated", zap.String("id", id), zap.Int("set", len(set)), zap.Int("unset", len(unset)))
	return rec, nil
}

// URL returns <BaseURL>/files/<collection>/<id>/<name>[?store=<store>].
func (c *_Collection) URL(rec *interf.FileRecord, store string) (string, error) {
	if c.baseURL == "" {
		return "", errors.NotValidf("collection %s without base url", c.name)
	}
	if rec == nil || rec.ID == "" {
		return "", errors.NotValidf("record without id")
	}

	name := rec.Original.Name
	if store != "" {
		ci, ok := rec.Info(store)
		if !ok {
			return "", errors.NotFoundf("copy of file %s in store %s", rec.ID, store)
		}
		if ci.Name != "" {
			name = ci.Name
		}
	}

	u := c.baseURL + "/files/" + url.PathEscape(c.name) + "/" + url.PathEscape(rec.ID)
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	if store != "" {
		u += "?" + url.Values{"store": {store}}.Encode()
	}
	return u, nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// update runs fn on the current record under the record lock and saves the result.
// No store I/O may happen inside fn.
func (c *_Collection) update(ctx context.Context, id string, fn func(rec *interf.FileRecord) error) (*interf.FileRecord, error) {
	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	rec, err := c.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := c.index.Upsert(ctx, rec); err != nil {
		return nil, errors.Annotatef(err, "save file %s", id)
	}
	return rec.Clone(), nil
}

// slot returns a configured store.
func (c *_Collection) slot(name string) (*_Slot, error) {
	s, ok := c.byName[name]
	if !ok {
		return nil, errors.NotFoundf("store %q in collection %s", name, c.name)
	}
	return s, nil
}

func (c *_Collection) now() time.Time {
	return c.clock.Now().UTC()
}
