package impl

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

// interface check: interf.Store and interf.RangeReader
var _ interf.Store = (*_RamStore)(nil)
var _ interf.RangeReader = (*_RamStore)(nil)

// @see interf.Store
//
// The RAM store keeps all copies in a map. A write is only visible after the
// whole stream was read.
type _RamStore struct {
	name string
	data map[string]_RamCopy
	mux  *sync.RWMutex
}

type _RamCopy struct {
	data    []byte
	info    interf.CopyInfo
	created time.Time
}

// NewRamStore return the RAM implementation of interf.Store.
// The data are only in RAM. This implementation is mainly for testing.
func NewRamStore(name string) interf.Store {
	return &_RamStore{
		name: name,
		data: make(map[string]_RamCopy),
		mux:  new(sync.RWMutex),
	}
}

//-----------  IMPLEMENTATION:  @see interf.Store  -------------------------------------------------------------------//

func (s *_RamStore) Name() string {
	return s.name
}

func (s *_RamStore) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	// check input
	key = strings.TrimSpace(key)
	if key == "" {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, interf.KindPermanent, errors.NotValidf("empty key"))
	}
	if r == nil || rec == nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, interf.KindPermanent, errors.NotValidf("nil reader or record"))
	}

	// read all bytes
	data, err := io.ReadAll(r)
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, interf.KindIO, err)
	}
	if err := ctx.Err(); err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, interf.KindPermanent, err)
	}

	// ----- update map -----------------------------------

	s.mux.Lock() // WRITE Lock
	defer s.mux.Unlock()

	now := time.Now().UTC()
	created := now
	if old, ok := s.data[key]; ok {
		created = old.created
	}
	info := interf.CopyInfo{
		Key:       key,
		Name:      rec.Original.Name,
		Size:      int64(len(data)),
		Type:      rec.Original.Type,
		CreatedAt: created,
		UpdatedAt: now,
	}
	s.data[key] = _RamCopy{data: data, info: info, created: created}

	return info, nil
}

func (s *_RamStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.ReadRange(ctx, key, 0)
}

func (s *_RamStore) ReadRange(_ context.Context, key string, off int64) (io.ReadCloser, error) {
	s.mux.RLock() // READ Lock
	defer s.mux.RUnlock()

	c, ok := s.data[key]
	if !ok {
		return nil, s.fail(interf.OpRead, interf.KindNotFound, errors.NotFoundf("key %q", key))
	}

	// check offset
	if off < 0 {
		off = 0
	}
	if off > int64(len(c.data)) {
		off = int64(len(c.data))
	}

	// return
	return io.NopCloser(bytes.NewReader(c.data[off:])), nil
}

func (s *_RamStore) Remove(_ context.Context, key string) error {
	s.mux.Lock() // WRITE Lock
	defer s.mux.Unlock()

	delete(s.data, key)
	return nil
}

func (s *_RamStore) Exists(_ context.Context, key string) (bool, error) {
	s.mux.RLock() // READ Lock
	defer s.mux.RUnlock()

	_, ok := s.data[key]
	return ok, nil
}

//--------  Helper  --------------------------------------------------------------------------------------------------//

func (s *_RamStore) fail(op string, kind interf.ErrorKind, err error) error {
	return interf.NewStoreError(s.name, op, kind, err)
}
