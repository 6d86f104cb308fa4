package collection_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SchnorcherSepp/collectionfs/collection"
	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	"github.com/SchnorcherSepp/collectionfs/filesystem"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/SchnorcherSepp/collectionfs/policy"
	"github.com/SchnorcherSepp/collectionfs/transform"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	ram := impl.NewRamStore("ram")
	tests := map[string]collection.Options{
		"no name":         {Stores: []collection.StoreConfig{{Store: ram}}},
		"no stores":       {Name: "c"},
		"nil store":       {Name: "c", Stores: []collection.StoreConfig{{}}},
		"duplicate store": {Name: "c", Stores: []collection.StoreConfig{{Store: ram}, {Store: impl.NewRamStore("ram")}}},
		"bad transform":   {Name: "c", Stores: []collection.StoreConfig{{Store: ram, Transforms: transform.Chain{{Name: "x"}}}}},
	}
	for name, opts := range tests {
		if _, err := collection.New(opts); !errors.Is(err, errors.NotValid) {
			t.Errorf("%s: err=%v", name, err)
		}
	}

	c := newCollection(t, collection.Options{Name: "c", Stores: []collection.StoreConfig{{Store: ram}, {Store: impl.NewRamStore("b")}}})
	if c.Name() != "c" || strings.Join(c.Stores(), ",") != "ram,b" {
		t.Fatalf("Name=%s Stores=%v", c.Name(), c.Stores())
	}
}

// TestNew_transformsCopied: changing the caller's chain after New has no effect.
func TestNew_transformsCopied(t *testing.T) {
	ram := impl.NewRamStore("ram")
	sc := storeConfig(ram)
	sc.Transforms = transform.Chain{transform.Zstd()}
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{sc}})

	sc.Transforms[0] = transform.Pair{
		Name:  "broken",
		Write: func(*interf.FileRecord, io.Reader) (io.ReadCloser, error) { return nil, errors.New("broken") },
		Read:  func(*interf.FileRecord, io.Reader) (io.ReadCloser, error) { return nil, errors.New("broken") },
	}

	data := bytes.Repeat([]byte("zstd "), 1000)
	rec := insert(t, c, data, "a.txt", "text/plain")
	ci, _ := rec.Info("ram")
	if raw := rawBytes(t, ram, ci.Key); len(raw) >= len(data) {
		t.Fatalf("copy not compressed: %d bytes", len(raw))
	}
	if !bytes.Equal(retrieve(t, c, rec.ID, "ram"), data) {
		t.Fatalf("round trip differs")
	}
}

func TestInsertRetrieve(t *testing.T) {
	fs, err := filesystem.New("fs", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ram := impl.NewRamStore("ram")
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(fs), storeConfig(ram)}})

	data := testData(100 * 1024)
	orig := interf.Original{Name: "photo.PNG", Size: int64(len(data)), Type: "image/png", UpdatedAt: time.Unix(1000, 0).UTC()}
	rec, err := c.Insert(context.Background(), bytes.NewReader(data), orig, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if rec.Original != orig {
		t.Fatalf("original %+v != %+v", rec.Original, orig)
	}
	if rec.ID == "" || rec.Collection != "test" || rec.Metadata["k"] != "v" || rec.UploadedAt.IsZero() {
		t.Fatalf("record: %+v", rec)
	}
	if len(rec.Copies) != 2 || len(rec.Failures) != 0 {
		t.Fatalf("copies=%v failures=%v", rec.Copies, rec.Failures)
	}
	for _, store := range []string{"fs", "ram"} {
		ci, _ := rec.Info(store)
		if ci.Key != impl.DefaultKey(rec, store) || ci.Size != int64(len(data)) || ci.Name != "photo.PNG" || ci.Type != "image/png" {
			t.Fatalf("%s: copy %+v", store, ci)
		}
		if !bytes.Equal(retrieve(t, c, rec.ID, store), data) {
			t.Fatalf("%s: round trip differs", store)
		}
	}

	// default store: first configured
	if !bytes.Equal(retrieve(t, c, rec.ID, ""), data) {
		t.Fatalf("default store: round trip differs")
	}

	// index
	got, err := c.FindOne(context.Background(), rec.ID)
	if err != nil || got.ID != rec.ID || len(got.Copies) != 2 {
		t.Fatalf("FindOne: %+v %v", got, err)
	}
	list, err := c.Find(context.Background(), interf.Filter{ContentType: "image/*", StoredIn: "fs"})
	if err != nil || len(list) != 1 {
		t.Fatalf("Find: %d %v", len(list), err)
	}

	// unknowns
	if _, err := c.Retrieve(context.Background(), "missing", ""); !errors.Is(err, errors.NotFound) {
		t.Fatalf("unknown id: %v", err)
	}
	if _, err := c.Retrieve(context.Background(), rec.ID, "nope"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("unknown store: %v", err)
	}
	if _, err := c.Insert(context.Background(), nil, orig, nil); !errors.Is(err, errors.NotValid) {
		t.Fatalf("nil stream: %v", err)
	}
}

func TestInsert_size(t *testing.T) {
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(impl.NewRamStore("ram"))}})

	// unknown size is filled
	rec, err := c.Insert(context.Background(), strings.NewReader("hello"), interf.Original{Name: "a.txt"}, nil)
	if err != nil || rec.Original.Size != 5 {
		t.Fatalf("Insert: %+v %v", rec, err)
	}

	// wrong declared size
	_, err = c.Insert(context.Background(), strings.NewReader("hello"), interf.Original{Name: "a.txt", Size: 4}, nil)
	if !errors.Is(err, errors.NotValid) {
		t.Fatalf("wrong size: %v", err)
	}
}

func TestInsert_spoolFile(t *testing.T) {
	dir := t.TempDir()
	c := newCollection(t, collection.Options{
		Stores:      []collection.StoreConfig{storeConfig(impl.NewRamStore("a")), storeConfig(impl.NewRamStore("b"))},
		SpoolDir:    dir,
		SpoolMemory: 10,
	})

	data := testData(64 * 1024)
	rec := insert(t, c, data, "big.bin", "application/octet-stream")
	for _, store := range []string{"a", "b"} {
		if !bytes.Equal(retrieve(t, c, rec.ID, store), data) {
			t.Fatalf("%s: round trip differs", store)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("spool dir not empty: %v %v", entries, err)
	}
}

// TestPolicyScenario: oversized and denied files create no record.
func TestPolicyScenario(t *testing.T) {
	var msgs []string
	mux := new(sync.Mutex)
	p := &policy.Policy{
		MaxSize: 1048576,
		Deny:    policy.Rules{ContentTypes: []string{"image/png"}},
		OnInvalid: func(msg string) {
			mux.Lock()
			msgs = append(msgs, msg)
			mux.Unlock()
		},
	}
	reg := prometheus.NewRegistry()
	c := newCollection(t, collection.Options{
		Stores:     []collection.StoreConfig{storeConfig(impl.NewRamStore("ram"))},
		Policy:     p,
		Registerer: reg,
	})
	ctx := context.Background()

	// 2MB declared
	big := testData(2 * 1024 * 1024)
	_, err := c.Insert(ctx, bytes.NewReader(big), interf.Original{Name: "a.bin", Size: int64(len(big))}, nil)
	if !interf.IsPolicyReason(err, interf.TooLarge) {
		t.Fatalf("2MB: %v", err)
	}

	// 2MB undeclared: the stream is cut while spooling
	_, err = c.Insert(ctx, bytes.NewReader(big), interf.Original{Name: "a.bin"}, nil)
	if !interf.IsPolicyReason(err, interf.TooLarge) {
		t.Fatalf("2MB undeclared: %v", err)
	}

	// 500KB png
	png := testData(500 * 1024)
	_, err = c.Insert(ctx, bytes.NewReader(png), interf.Original{Name: "a.png", Size: int64(len(png)), Type: "image/png"}, nil)
	if !interf.IsPolicyReason(err, interf.TypeDenied) {
		t.Fatalf("png: %v", err)
	}

	list, err := c.Find(ctx, interf.Filter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("records created: %d %v", len(list), err)
	}
	if len(msgs) != 3 {
		t.Fatalf("OnInvalid: %v", msgs)
	}
	if c.Allowed(interf.Original{Name: "a.png", Type: "image/png"}) || !c.Allowed(interf.Original{Name: "a.txt", Size: 1}) {
		t.Fatalf("Allowed")
	}

	exp := `
# HELP collectionfs_policy_rejections_total The number of files rejected by the policy.
# TYPE collectionfs_policy_rejections_total counter
collectionfs_policy_rejections_total{collection="test",reason="TooLarge"} 2
collectionfs_policy_rejections_total{collection="test",reason="TypeDenied"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(exp), "collectionfs_policy_rejections_total"); err != nil {
		t.Fatal(err)
	}
}

// TestPartialFailureScenario: filesystem succeeds, S3 fails every attempt.
func TestPartialFailureScenario(t *testing.T) {
	fs, err := filesystem.New("fs", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s3 := newFlakyStore("s3")
	s3.writeKind.Store(int32(interf.KindTransient))

	reg := prometheus.NewRegistry()
	c := newCollection(t, collection.Options{
		Stores:     []collection.StoreConfig{storeConfig(fs), storeConfig(s3)},
		Registerer: reg,
	})
	ctx := context.Background()
	data := []byte("0123456789")

	rec, err := c.Insert(ctx, bytes.NewReader(data), interf.Original{Name: "ten.txt", Size: 10, Type: "text/plain"}, nil)
	var pwe *interf.PartialWriteError
	if !errors.As(err, &pwe) {
		t.Fatalf("err=%v", err)
	}
	if strings.Join(pwe.Stores(), ",") != "s3" || pwe.ID != rec.ID {
		t.Fatalf("failed stores: %v", pwe.Stores())
	}
	if interf.KindOf(pwe.Failed["s3"]) != interf.KindPermanent {
		t.Fatalf("not escalated: %v", pwe.Failed["s3"])
	}
	if s3.writes.Load() != 3 {
		t.Fatalf("attempts=%d", s3.writes.Load())
	}
	if len(rec.Copies) != 1 || !rec.IsStored("fs") || rec.IsStored("s3") {
		t.Fatalf("copies=%v", rec.Copies)
	}
	if f, ok := rec.Failures["s3"]; !ok || f.Kind != interf.KindPermanent || f.Message == "" {
		t.Fatalf("failures=%v", rec.Failures)
	}
	if _, err := c.Retrieve(ctx, rec.ID, "s3"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("retrieve s3: %v", err)
	}

	// a later repair adds s3 and leaves fs untouched
	fsCopy, _ := rec.Info("fs")
	s3.writeKind.Store(0)
	list, err := c.Find(ctx, interf.Filter{MissingIn: "s3"})
	if err != nil || len(list) != 1 {
		t.Fatalf("MissingIn: %d %v", len(list), err)
	}
	rec, err = c.Repair(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(rec.Copies) != 2 || len(rec.Failures) != 0 {
		t.Fatalf("after repair: copies=%v failures=%v", rec.Copies, rec.Failures)
	}
	if got, _ := rec.Info("fs"); got != fsCopy {
		t.Fatalf("fs copy changed: %+v != %+v", got, fsCopy)
	}
	if !bytes.Equal(retrieve(t, c, rec.ID, "s3"), data) {
		t.Fatalf("s3 round trip differs")
	}

	// nothing left to repair
	if _, err := c.Repair(ctx, rec.ID, "s3"); err != nil {
		t.Fatalf("Repair no-op: %v", err)
	}

	if n, err := testutil.GatherAndCount(reg, "collectionfs_store_retries_total"); err != nil || n != 1 {
		t.Fatalf("retry series=%d %v", n, err)
	}
}

func TestRepair_noSource(t *testing.T) {
	bad := newFlakyStore("bad")
	bad.writeKind.Store(int32(interf.KindAuth))
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(bad)}})

	rec, err := c.Insert(context.Background(), strings.NewReader("x"), interf.Original{Name: "x"}, nil)
	if err == nil || len(rec.Copies) != 0 {
		t.Fatalf("Insert: %v", err)
	}
	if bad.writes.Load() != 1 {
		t.Fatalf("auth failure retried: %d", bad.writes.Load())
	}
	if rec.Failures["bad"].Kind != interf.KindAuth {
		t.Fatalf("failure kind: %v", rec.Failures["bad"])
	}
	if _, err := c.Repair(context.Background(), rec.ID); !errors.Is(err, errors.NotFound) {
		t.Fatalf("Repair without source: %v", err)
	}
	if _, err := c.Repair(context.Background(), rec.ID, "unknown"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("Repair unknown store: %v", err)
	}
}

func TestRemove(t *testing.T) {
	a, b := impl.NewRamStore("a"), newFlakyStore("b")
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(a), storeConfig(b)}})
	ctx := context.Background()

	rec := insert(t, c, []byte("data"), "a.txt", "text/plain")
	if err := c.Remove(ctx, rec.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, store := range []string{"a", "b", ""} {
		if _, err := c.Retrieve(ctx, rec.ID, store); !errors.Is(err, errors.NotFound) {
			t.Fatalf("Retrieve after remove (%q): %v", store, err)
		}
	}
	if ok, _ := a.Exists(ctx, impl.DefaultKey(rec, "a")); ok {
		t.Fatalf("copy still in store a")
	}

	// idempotent
	if err := c.Remove(ctx, rec.ID); err != nil {
		t.Fatalf("Remove again: %v", err)
	}
}

func TestRemove_partial(t *testing.T) {
	a, b := impl.NewRamStore("a"), newFlakyStore("b")
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(a), storeConfig(b)}})
	ctx := context.Background()

	rec := insert(t, c, []byte("data"), "a.txt", "text/plain")
	other := insert(t, c, []byte("other"), "b.txt", "text/plain")

	b.removeKind.Store(int32(interf.KindPermanent))
	err := c.Remove(ctx, rec.ID)
	var pre *interf.PartialRemoveError
	if !errors.As(err, &pre) || strings.Join(pre.Stores(), ",") != "b" {
		t.Fatalf("Remove: %v", err)
	}

	// pending: invisible for readers and Find, visible for FindOne
	if _, err := c.Retrieve(ctx, rec.ID, "b"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("Retrieve pending: %v", err)
	}
	got, err := c.FindOne(ctx, rec.ID)
	if err != nil || !got.PendingRemoval || got.IsStored("a") || !got.IsStored("b") {
		t.Fatalf("FindOne pending: %+v %v", got, err)
	}
	list, _ := c.Find(ctx, interf.Filter{})
	if len(list) != 1 || list[0].ID != other.ID {
		t.Fatalf("Find: %v", list)
	}
	pending := true
	list, _ = c.Find(ctx, interf.Filter{PendingRemoval: &pending})
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("Find pending: %v", list)
	}
	if _, err := c.UpdateMetadata(ctx, rec.ID, map[string]string{"x": "y"}); !errors.Is(err, errors.NotFound) {
		t.Fatalf("UpdateMetadata pending: %v", err)
	}

	// sweep fails while b is broken
	n, err := c.SweepPendingRemovals(ctx)
	if n != 0 || err == nil {
		t.Fatalf("sweep: %d %v", n, err)
	}

	b.removeKind.Store(0)
	n, err = c.SweepPendingRemovals(ctx)
	if n != 1 || err != nil {
		t.Fatalf("sweep: %d %v", n, err)
	}
	if _, err := c.FindOne(ctx, rec.ID); !errors.Is(err, errors.NotFound) {
		t.Fatalf("FindOne after sweep: %v", err)
	}
	if !bytes.Equal(retrieve(t, c, other.ID, "b"), []byte("other")) {
		t.Fatalf("other file damaged")
	}
}

func TestTransforms(t *testing.T) {
	crypt, err := transform.XChaCha20(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}
	plain, secret := newFlakyStore("plain"), impl.NewRamStore("secret")
	sc := storeConfig(secret)
	sc.Transforms = transform.Chain{transform.Zstd(), crypt}
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(plain), sc}})
	ctx := context.Background()

	// the plain store fails, only the encrypted copy exists
	plain.writeKind.Store(int32(interf.KindPermanent))
	data := bytes.Repeat([]byte("compress me "), 10000)
	rec, err := c.Insert(ctx, bytes.NewReader(data), interf.Original{Name: "a.txt", Type: "text/plain"}, nil)
	if err == nil || !rec.IsStored("secret") || rec.IsStored("plain") {
		t.Fatalf("Insert: %v %v", rec, err)
	}

	ci, _ := rec.Info("secret")
	raw := rawBytes(t, secret, ci.Key)
	if ci.Size != int64(len(raw)) || ci.Size >= int64(len(data)) {
		t.Fatalf("persisted size %d (raw %d, original %d)", ci.Size, len(raw), len(data))
	}
	if bytes.Contains(raw, []byte("compress me")) {
		t.Fatalf("plain text in stored copy")
	}
	if !bytes.Equal(retrieve(t, c, rec.ID, "secret"), data) {
		t.Fatalf("round trip differs")
	}

	// ReaderAt loads transformed copies into RAM
	ra, err := c.ReaderAt(ctx, rec.ID, "secret")
	if err != nil {
		t.Fatalf("ReaderAt: %v", err)
	}
	defer ra.Close()
	buf := make([]byte, 11)
	if _, err := ra.ReadAt(buf, 12); err != nil || string(buf) != "compress me" {
		t.Fatalf("ReadAt: %q %v", buf, err)
	}
	if _, ok := ra.Stat()["RamBytes"]; !ok {
		t.Fatalf("no ram ReaderAt: %v", ra.Stat())
	}

	// repair reads the encrypted copy and writes plain bytes
	plain.writeKind.Store(0)
	rec, err = c.Repair(ctx, rec.ID)
	if err != nil || !rec.IsStored("plain") {
		t.Fatalf("Repair: %v", err)
	}
	pc, _ := rec.Info("plain")
	if !bytes.Equal(rawBytes(t, plain, pc.Key), data) {
		t.Fatalf("repaired copy differs")
	}
}

func TestReaderAt(t *testing.T) {
	c := newCollection(t, collection.Options{
		Stores: []collection.StoreConfig{storeConfig(impl.NewRamStore("ram"))},
		Cache:  impl.NewCache(20),
	})
	ctx := context.Background()

	data := testData(5*interf.SectorSize + 123)
	rec := insert(t, c, data, "a.bin", "")

	ra, err := c.ReaderAt(ctx, rec.ID, "ram")
	if err != nil {
		t.Fatalf("ReaderAt: %v", err)
	}
	defer ra.Close()
	if ra.Size() != int64(len(data)) {
		t.Fatalf("Size=%d", ra.Size())
	}
	for _, off := range []int64{0, 100, interf.SectorSize - 1, 3 * interf.SectorSize, int64(len(data)) - 50} {
		buf := make([]byte, 50)
		n, err := ra.ReadAt(buf, off)
		if n != 50 || (err != nil && off+50 < int64(len(data))) {
			t.Fatalf("ReadAt(%d): %d %v", off, n, err)
		}
		if !bytes.Equal(buf, data[off:off+50]) {
			t.Fatalf("ReadAt(%d): wrong data", off)
		}
	}

	// empty file
	empty := insert(t, c, nil, "empty.txt", "text/plain")
	za, err := c.ReaderAt(ctx, empty.ID, "")
	if err != nil || za.Size() != 0 {
		t.Fatalf("zero ReaderAt: %v", err)
	}
	_ = za.Close()
}

// TestReaderAt_rewrite: cached sectors of the old content are not served after a rewrite.
func TestReaderAt_rewrite(t *testing.T) {
	sc := storeConfig(impl.NewRamStore("ram"))
	sc.AllowOverwrite = true
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{sc}, Cache: impl.NewCache(1)})
	ctx := context.Background()

	readAll := func(id string) string {
		t.Helper()
		ra, err := c.ReaderAt(ctx, id, "ram")
		if err != nil {
			t.Fatalf("ReaderAt: %v", err)
		}
		defer ra.Close()
		buf := make([]byte, ra.Size())
		if _, err := ra.ReadAt(buf, 0); err != nil && err != io.EOF {
			t.Fatalf("ReadAt: %v", err)
		}
		return string(buf)
	}

	rec := insert(t, c, []byte("AAAAAAAAAA"), "a.txt", "text/plain")
	if got := readAll(rec.ID); got != "AAAAAAAAAA" {
		t.Fatalf("first read: %q", got)
	}

	got, err := c.Rewrite(ctx, rec.ID, "ram", strings.NewReader("BBBBBBBBBB"))
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	before, _ := rec.Info("ram")
	after, _ := got.Info("ram")
	if after.Key != before.Key || after.Generation <= before.Generation {
		t.Fatalf("copy before %+v, after %+v", before, after)
	}
	if s := readAll(rec.ID); s != "BBBBBBBBBB" {
		t.Fatalf("read after rewrite: %q", s)
	}
}

func TestUpdateMetadata(t *testing.T) {
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(impl.NewRamStore("ram"))}})
	ctx := context.Background()
	rec := insert(t, c, []byte("x"), "a.txt", "text/plain")

	got, err := c.UpdateMetadata(ctx, rec.ID, map[string]string{"tag": "blue"}, "owner")
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if got.Metadata["tag"] != "blue" || len(got.Metadata) != 1 {
		t.Fatalf("metadata=%v", got.Metadata)
	}
	if got.Original != rec.Original || len(got.Copies) != len(rec.Copies) || got.Copies["ram"] != rec.Copies["ram"] {
		t.Fatalf("record changed: %+v", got)
	}

	list, _ := c.Find(ctx, interf.Filter{Metadata: map[string]string{"tag": "blue"}})
	if len(list) != 1 {
		t.Fatalf("Find by metadata: %d", len(list))
	}
	if _, err := c.UpdateMetadata(ctx, "missing", nil); !errors.Is(err, errors.NotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestRewrite(t *testing.T) {
	fixed, open := impl.NewRamStore("fixed"), impl.NewRamStore("open")
	oc := storeConfig(open)
	oc.AllowOverwrite = true
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(fixed), oc}})
	ctx := context.Background()

	rec := insert(t, c, []byte("old content"), "a.txt", "text/plain")
	if _, err := c.Rewrite(ctx, rec.ID, "fixed", strings.NewReader("new")); !errors.Is(err, errors.Forbidden) {
		t.Fatalf("Rewrite fixed: %v", err)
	}

	old, _ := rec.Info("open")
	time.Sleep(2 * time.Millisecond)
	got, err := c.Rewrite(ctx, rec.ID, "open", strings.NewReader("new"))
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	ci, _ := got.Info("open")
	if ci.Size != 3 || !ci.CreatedAt.Equal(old.CreatedAt) || !ci.UpdatedAt.After(old.UpdatedAt) {
		t.Fatalf("copy %+v (old %+v)", ci, old)
	}
	if string(retrieve(t, c, rec.ID, "open")) != "new" || string(retrieve(t, c, rec.ID, "fixed")) != "old content" {
		t.Fatalf("content after rewrite")
	}
	if got.Original != rec.Original {
		t.Fatalf("original changed")
	}
}

func TestBeforeWrite(t *testing.T) {
	var seen []string
	mux := new(sync.Mutex)
	hook := func(_ context.Context, rec *interf.FileRecord, store string) error {
		mux.Lock()
		defer mux.Unlock()
		seen = append(seen, store+":"+rec.Original.Name)
		if store == "b" {
			return errors.New("not today")
		}
		return nil
	}
	a, b := storeConfig(impl.NewRamStore("a")), storeConfig(impl.NewRamStore("b"))
	a.BeforeWrite, b.BeforeWrite = hook, hook
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{a, b}, Concurrency: 1})

	rec, err := c.Insert(context.Background(), strings.NewReader("x"), interf.Original{Name: "x.txt"}, nil)
	var pwe *interf.PartialWriteError
	if !errors.As(err, &pwe) || strings.Join(pwe.Stores(), ",") != "b" {
		t.Fatalf("err=%v", err)
	}
	if !rec.IsStored("a") || rec.IsStored("b") || strings.Join(seen, ",") != "a:x.txt,b:x.txt" {
		t.Fatalf("copies=%v seen=%v", rec.Copies, seen)
	}
}

// TestInsert_cancel: after a cancellation no further store write is started,
// completed copies are kept.
func TestInsert_cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := newFlakyStore("first"), newFlakyStore("second")
	first.afterWrite = cancel
	c := newCollection(t, collection.Options{
		Stores:      []collection.StoreConfig{storeConfig(first), storeConfig(second)},
		Concurrency: 1,
	})

	rec, err := c.Insert(ctx, strings.NewReader("x"), interf.Original{Name: "x"}, nil)
	var pwe *interf.PartialWriteError
	if !errors.As(err, &pwe) || strings.Join(pwe.Stores(), ",") != "second" {
		t.Fatalf("err=%v", err)
	}
	if !rec.IsStored("first") || second.writes.Load() != 0 {
		t.Fatalf("copies=%v second writes=%d", rec.Copies, second.writes.Load())
	}
}

// TestInsert_parallel: the stores of one insert are written at the same time.
func TestInsert_parallel(t *testing.T) {
	release := make(chan struct{})
	a := &blockingStore{Store: impl.NewRamStore("a"), started: make(chan struct{}), release: release}
	b := &blockingStore{Store: impl.NewRamStore("b"), started: make(chan struct{}), release: release}
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(a), storeConfig(b)}})

	done := make(chan error, 1)
	go func() {
		_, err := c.Insert(context.Background(), strings.NewReader("x"), interf.Original{Name: "x"}, nil)
		done <- err
	}()

	for _, s := range []*blockingStore{a, b} {
		select {
		case <-s.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("store %s not started in parallel", s.Name())
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

// TestRemove_duringInsert: a file removed while its copies are written leaves no copy behind.
func TestRemove_duringInsert(t *testing.T) {
	ram := impl.NewRamStore("a")
	a := &blockingStore{Store: ram, started: make(chan struct{}), release: make(chan struct{})}
	keys := make(chan *interf.FileRecord, 1)
	sc := storeConfig(a)
	sc.BeforeWrite = func(_ context.Context, rec *interf.FileRecord, _ string) error {
		keys <- rec
		return nil
	}
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{sc}})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Insert(ctx, strings.NewReader("x"), interf.Original{Name: "x.txt"}, nil)
		done <- err
	}()

	var rec *interf.FileRecord
	select {
	case rec = <-keys:
	case <-time.After(5 * time.Second):
		t.Fatal("write not started")
	}
	<-a.started

	removed := make(chan error, 1)
	go func() { removed <- c.Remove(ctx, rec.ID) }()
	if err := <-removed; err != nil {
		t.Fatalf("Remove: %v", err)
	}

	close(a.release)
	if err := <-done; !errors.Is(err, errors.NotFound) {
		t.Fatalf("Insert: %v", err)
	}
	if ok, err := ram.Exists(ctx, impl.DefaultKey(rec, "a")); ok || err != nil {
		t.Fatalf("orphaned copy: %v %v", ok, err)
	}
	if _, err := c.FindOne(ctx, rec.ID); !errors.Is(err, errors.NotFound) {
		t.Fatalf("FindOne: %v", err)
	}
}

func TestURL(t *testing.T) {
	c := newCollection(t, collection.Options{
		Name:    "images",
		Stores:  []collection.StoreConfig{storeConfig(impl.NewRamStore("thumbs"))},
		BaseURL: "https://files.example.com/",
	})
	rec := insert(t, c, []byte("x"), "my photo.png", "image/png")

	u, err := c.URL(rec, "")
	if err != nil || u != "https://files.example.com/files/images/"+rec.ID+"/my%20photo.png" {
		t.Fatalf("URL: %s %v", u, err)
	}
	u, err = c.URL(rec, "thumbs")
	if err != nil || u != "https://files.example.com/files/images/"+rec.ID+"/my%20photo.png?store=thumbs" {
		t.Fatalf("URL store: %s %v", u, err)
	}
	if _, err := c.URL(rec, "other"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("URL unknown store: %v", err)
	}

	noBase := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(impl.NewRamStore("ram"))}})
	if _, err := noBase.URL(rec, ""); !errors.Is(err, errors.NotValid) {
		t.Fatalf("URL without base: %v", err)
	}
}

func TestSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, name := range []string{"a", "b"} {
		c := newCollection(t, collection.Options{Name: name, Stores: []collection.StoreConfig{storeConfig(impl.NewRamStore("ram"))}, Registerer: reg})
		insert(t, c, []byte("x"), "x.txt", "text/plain")
	}
	if n, err := testutil.GatherAndCount(reg, "collectionfs_store_operations_total"); err != nil || n != 2 {
		t.Fatalf("operation series=%d %v", n, err)
	}
}

func TestRace(t *testing.T) {
	c := newCollection(t, collection.Options{Stores: []collection.StoreConfig{storeConfig(impl.NewRamStore("a")), storeConfig(impl.NewRamStore("b"))}})
	ctx := context.Background()
	rec := insert(t, c, []byte("shared"), "s.txt", "text/plain")

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r, err := c.Insert(ctx, bytes.NewReader(testData(100+j)), interf.Original{Name: "f.bin"}, nil)
				if err != nil {
					t.Errorf("Insert: %v", err)
					return
				}
				if _, err := c.UpdateMetadata(ctx, rec.ID, map[string]string{"k": "v"}); err != nil {
					t.Errorf("UpdateMetadata: %v", err)
				}
				if _, err := c.RetrieveBytes(ctx, rec.ID, ""); err != nil {
					t.Errorf("RetrieveBytes: %v", err)
				}
				if j%2 == i%2 {
					if err := c.Remove(ctx, r.ID); err != nil {
						t.Errorf("Remove: %v", err)
					}
				}
			}
		}(i)
	}
	wg.Wait()
}
