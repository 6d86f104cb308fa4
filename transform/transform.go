// Package transform holds the stream transforms a store applies before a write and
// after a read: compression and encryption, composable in a configured order.
package transform

import (
	"io"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

// Func turns an input stream into an output stream for one file.
// The returned reader must be closed. Closing it does not close in.
type Func func(rec *interf.FileRecord, in io.Reader) (io.ReadCloser, error)

// Pair is an invertible transform: Read undoes Write.
type Pair struct {
	Name  string
	Write Func
	Read  Func
}

// Validate reports a pair without name or functions.
func (p Pair) Validate() error {
	if p.Name == "" || p.Write == nil || p.Read == nil {
		return errors.NotValidf("transform %q without name, write or read function", p.Name)
	}
	return nil
}

// Chain is a list of pairs in configured order.
type Chain []Pair

// Validate checks every pair.
func (c Chain) Validate() error {
	for _, p := range c {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the names of the pairs, example: [zstd xchacha20]
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name
	}
	return names
}

// Write applies the write functions in configured order.
// An empty chain returns in unchanged (with a no-op Close).
func (c Chain) Write(rec *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
	funcs := make([]Func, len(c))
	for i, p := range c {
		funcs[i] = p.Write
	}
	return apply(rec, in, funcs)
}

// Read applies the read functions in reverse order.
func (c Chain) Read(rec *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
	funcs := make([]Func, len(c))
	for i, p := range c {
		funcs[len(c)-1-i] = p.Read
	}
	return apply(rec, in, funcs)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func apply(rec *interf.FileRecord, in io.Reader, funcs []Func) (io.ReadCloser, error) {
	if in == nil {
		return nil, errors.NotValidf("nil stream")
	}

	out := &_ChainReader{r: in}
	for i, fn := range funcs {
		rc, err := fn(rec, out.r)
		if err != nil {
			_ = out.Close()
			return nil, errors.Annotatef(err, "transform stage %d", i+1)
		}
		out.r = rc
		out.closers = append(out.closers, rc)
	}
	return out, nil
}

// _ChainReader reads from the last stage and closes all stages, last stage first.
type _ChainReader struct {
	r       io.Reader
	closers []io.Closer
}

func (c *_ChainReader) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *_ChainReader) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// pipe runs produce in a goroutine and returns the read side.
// Closing the reader makes further writes fail, so produce stops early.
func pipe(produce func(w io.Writer) error) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(produce(pw)) // nil closes with EOF
	}()
	return pr
}
