package collection_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SchnorcherSepp/collectionfs/collection"
	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// storeConfig returns a config with fast retries.
func storeConfig(s interf.Store) collection.StoreConfig {
	return collection.StoreConfig{Store: s, MaxTries: 3, Delay: time.Millisecond}
}

func newCollection(t *testing.T, opts collection.Options) interf.Collection {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test"
	}
	c, err := collection.New(opts)
	if err != nil {
		t.Fatalf("collection.New: %v", err)
	}
	return c
}

func insert(t *testing.T, c interf.Collection, data []byte, name, contentType string) *interf.FileRecord {
	t.Helper()
	rec, err := c.Insert(context.Background(), bytes.NewReader(data),
		interf.Original{Name: name, Size: int64(len(data)), Type: contentType}, map[string]string{"owner": "tester"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return rec
}

func retrieve(t *testing.T, c interf.Collection, id, store string) []byte {
	t.Helper()
	b, err := c.RetrieveBytes(context.Background(), id, store)
	if err != nil {
		t.Fatalf("RetrieveBytes(%s, %q): %v", id, store, err)
	}
	return b
}

// rawBytes reads a copy directly from a store.
func rawBytes(t *testing.T, s interf.Store, key string) []byte {
	t.Helper()
	rc, err := s.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("raw read %s: %v", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

//--------------------------------------------------------------------------------------------------------------------//

// flakyStore wraps a ram store. Writes and removes fail with the configured kind while set.
type flakyStore struct {
	interf.Store
	writeKind  atomic.Int32 // 0 = ok
	removeKind atomic.Int32
	writes     atomic.Int32 // attempts
	afterWrite func()       // called after a successful write
}

func newFlakyStore(name string) *flakyStore {
	return &flakyStore{Store: impl.NewRamStore(name)}
}

func (s *flakyStore) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	s.writes.Add(1)
	if k := interf.ErrorKind(s.writeKind.Load()); k != 0 {
		_, _ = io.Copy(io.Discard, r)
		return interf.CopyInfo{}, interf.NewStoreError(s.Name(), interf.OpWrite, k, errors.New("forced write failure"))
	}
	ci, err := s.Store.Write(ctx, key, r, rec)
	if err == nil && s.afterWrite != nil {
		s.afterWrite()
	}
	return ci, err
}

func (s *flakyStore) Remove(ctx context.Context, key string) error {
	if k := interf.ErrorKind(s.removeKind.Load()); k != 0 {
		return interf.NewStoreError(s.Name(), interf.OpRemove, k, errors.New("forced remove failure"))
	}
	return s.Store.Remove(ctx, key)
}

// blockingStore blocks every write until release is closed.
type blockingStore struct {
	interf.Store
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.Store.Write(ctx, key, r, rec)
}
