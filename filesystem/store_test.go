package filesystem_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SchnorcherSepp/collectionfs/filesystem"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

func newTestStore(t *testing.T) (interf.Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := filesystem.New("local", root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, root
}

func testRecord() *interf.FileRecord {
	return interf.NewFileRecord("id", "files", interf.Original{Name: "hello.txt", Type: "text/plain"}, nil, time.Now())
}

func TestNew(t *testing.T) {
	if _, err := filesystem.New("", t.TempDir(), nil); err == nil {
		t.Fatal("no error without name")
	}
	if _, err := filesystem.New("local", "", nil); err == nil {
		t.Fatal("no error without root")
	}

	// root is created
	root := filepath.Join(t.TempDir(), "a", "b")
	s, err := filesystem.New("local", root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "local" {
		t.Fatalf("wrong name: %s", s.Name())
	}
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	want := []byte("hello, storage")

	info, err := s.Write(ctx, "files/id-local.txt", bytes.NewReader(want), testRecord())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if info.Size != int64(len(want)) || info.Key != "files/id-local.txt" || info.Name != "hello.txt" || info.Type != "text/plain" {
		t.Errorf("wrong copy info: %#v", info)
	}
	if info.CreatedAt.IsZero() || info.UpdatedAt.IsZero() {
		t.Errorf("times not set: %#v", info)
	}

	// file is at the expected place, no temp files
	entries, _ := os.ReadDir(filepath.Join(root, "files"))
	if len(entries) != 1 || entries[0].Name() != "id-local.txt" {
		t.Fatalf("unexpected dir content: %v", entries)
	}

	rc, err := s.Read(ctx, "files/id-local.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, want) {
		t.Errorf("Read content mismatch: got %q, want %q", got, want)
	}

	// ranged read
	rc, err = s.(interf.RangeReader).ReadRange(ctx, "files/id-local.txt", 7)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	got, _ = io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "storage" {
		t.Errorf("ReadRange: got %q", got)
	}
}

func TestWriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)

	if _, err := s.Write(ctx, "f.bin", strings.NewReader("first"), testRecord()); err != nil {
		t.Fatal(err)
	}

	// a failing stream leaves the old copy untouched and no temp file
	r := io.MultiReader(strings.NewReader("part"), &errReader{err: errors.New("broken pipe")})
	if _, err := s.Write(ctx, "f.bin", r, testRecord()); err == nil {
		t.Fatal("no error with a broken stream")
	}
	rc, _ := s.Read(ctx, "f.bin")
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "first" {
		t.Errorf("expected 'first', got %q", got)
	}
	if entries, _ := os.ReadDir(root); len(entries) != 1 {
		t.Errorf("temp files left: %v", entries)
	}

	// overwrite
	if _, err := s.Write(ctx, "f.bin", strings.NewReader("second"), testRecord()); err != nil {
		t.Fatal(err)
	}
	rc, _ = s.Read(ctx, "f.bin")
	got, _ = io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "second" {
		t.Errorf("expected 'second', got %q", got)
	}
}

func TestWriteCanceled(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Write(ctx, "f.bin", strings.NewReader("data"), testRecord())
	if err == nil {
		t.Fatal("no error with a canceled context")
	}
	if ok, _ := s.Exists(context.Background(), "f.bin"); ok {
		t.Fatal("canceled write is visible")
	}
}

func TestRemoveAndExists(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	if _, err := s.Write(ctx, "a/b/c.bin", strings.NewReader("data"), testRecord()); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Exists(ctx, "a/b/c.bin"); !ok || err != nil {
		t.Fatalf("Exists: %v %v", ok, err)
	}
	if ok, err := s.Exists(ctx, "a/b"); ok || err != nil {
		t.Fatalf("a directory is no copy: %v %v", ok, err)
	}

	if err := s.Remove(ctx, "a/b/c.bin"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "a/b/c.bin"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if ok, _ := s.Exists(ctx, "a/b/c.bin"); ok {
		t.Fatal("copy still exists")
	}

	// empty parents are pruned, root stays
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Errorf("empty parent dir left: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root removed: %v", err)
	}

	// read of a removed copy
	if _, err := s.Read(ctx, "a/b/c.bin"); !interf.IsNotFound(err) || !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKeyEscapesRoot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, key := range []string{"", "  ", "../evil", "a/../../evil", ".", "a/.."} {
		if _, err := s.Write(ctx, key, strings.NewReader("x"), testRecord()); interf.KindOf(err) != interf.KindPermanent {
			t.Errorf("key %q: expected permanent error, got %v", key, err)
		}
		if _, err := s.Read(ctx, key); err == nil {
			t.Errorf("key %q: no read error", key)
		}
	}

	// absolute looking keys stay below root
	if _, err := s.Write(ctx, "/abs.bin", strings.NewReader("x"), testRecord()); err != nil {
		t.Errorf("absolute key: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want interf.ErrorKind
	}{
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, interf.KindNotFound},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrPermission}, interf.KindPermanent},
		{errors.NotValidf("key"), interf.KindPermanent},
		{context.DeadlineExceeded, interf.KindTransient},
		{context.Canceled, interf.KindPermanent},
		{errors.New("disk on fire"), interf.KindIO},
	}
	for _, tt := range tests {
		if got := filesystem.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
