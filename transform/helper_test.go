package transform_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/SchnorcherSepp/collectionfs/transform"
)

var testTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func write(t *testing.T, c transform.Chain, data []byte) []byte {
	t.Helper()
	rc, err := c.Write(testRec, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Write: read: %v", err)
	}
	return b
}

func read(t *testing.T, c transform.Chain, data []byte) []byte {
	t.Helper()
	rc, err := c.Read(testRec, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Read: read: %v", err)
	}
	return b
}

// marker appends its name on write and strips it on read.
func marker(name string) transform.Pair {
	return transform.Pair{
		Name: name,
		Write: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(io.MultiReader(in, bytes.NewReader([]byte(name)))), nil
		},
		Read: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			b, err := io.ReadAll(in)
			if err != nil {
				return nil, err
			}
			if !bytes.HasSuffix(b, []byte(name)) {
				return nil, errors.New("marker " + name + " missing")
			}
			return io.NopCloser(bytes.NewReader(b[:len(b)-len(name)])), nil
		},
	}
}

func passthrough(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(in), nil
}

type closeFlag struct {
	io.Reader
	closed *bool
}

func (c *closeFlag) Close() error {
	*c.closed = true
	return nil
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) {
	return 0, errors.New("source broken")
}
