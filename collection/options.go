package collection

import (
	"context"
	"time"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/SchnorcherSepp/collectionfs/policy"
	"github.com/SchnorcherSepp/collectionfs/transform"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultSpoolMemory is the part of an upload that is buffered in RAM. The rest goes to a temp file.
const DefaultSpoolMemory = 1024 * 1024 // 1 MiB

// BeforeWrite is called before a copy is written. An error skips the store.
type BeforeWrite func(ctx context.Context, rec *interf.FileRecord, store string) error

// StoreConfig binds a store to a collection.
type StoreConfig struct {
	Store       interf.Store
	KeyMaker    impl.KeyMaker   // nil: impl.DefaultKey
	BeforeWrite BeforeWrite     // optional
	Transforms  transform.Chain // applied before write, undone after read

	MaxTries int           // attempts per operation (default interf.DefaultMaxTries)
	Delay    time.Duration // first retry delay (default interf.DefaultRetryDelay)
	Timeout  time.Duration // per attempt, 0 = none

	// AllowOverwrite permits Rewrite for this store.
	AllowOverwrite bool
}

// Options configure a collection. The collection does not change after New.
type Options struct {
	Name    string
	Stores  []StoreConfig // in order of preference
	Policy  *policy.Policy
	Index   interf.Index // nil: memory index without snapshot
	BaseURL string       // for URL, example: https://files.example.com

	SpoolDir    string // temp files of uploads ("" = os.TempDir)
	SpoolMemory int64  // default DefaultSpoolMemory
	Concurrency int    // parallel store writes (default: number of stores)

	Cache      interf.Cache // sector cache for ReaderAt (optional)
	Logger     *zap.Logger
	Registerer prometheus.Registerer // nil: metrics are not registered
	Clock      clock.Clock
}

func (o Options) validate() error {
	if o.Name == "" {
		return errors.NotValidf("collection without name")
	}
	if len(o.Stores) == 0 {
		return errors.NotValidf("collection %q without stores", o.Name)
	}
	seen := make(map[string]bool, len(o.Stores))
	for i, sc := range o.Stores {
		if sc.Store == nil {
			return errors.NotValidf("collection %q: store %d is nil", o.Name, i+1)
		}
		name := sc.Store.Name()
		if name == "" {
			return errors.NotValidf("collection %q: store %d without name", o.Name, i+1)
		}
		if seen[name] {
			return errors.NotValidf("collection %q: duplicate store %q", o.Name, name)
		}
		seen[name] = true
		if err := sc.Transforms.Validate(); err != nil {
			return errors.Annotatef(err, "collection %q: store %q", o.Name, name)
		}
	}
	return nil
}
