package impl

import (
	"context"
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// interface check: interf.Index
var _ interf.Index = (*_MemoryIndex)(nil)

// snapshotVersion is part of the snapshot signature.
// Any change to the record layout must change this value.
const snapshotVersion = "collectionfs/index/v1"

// @see interf.Index
//
// The memory index keeps all records in a map. With a snapshot file, every change is
// written to disk and the last state is loaded at start.
type _MemoryIndex struct {
	byId     map[string]*interf.FileRecord // this map is never nil
	snapshot string                        // empty: no persistence
	logger   *zap.Logger
	mux      *sync.RWMutex
}

// _Snapshot is the serialized state of a memory index.
type _Snapshot struct {
	Records map[string]*interf.FileRecord
	Sig     string
}

// NewMemoryIndex return the default implementation of interf.Index.
// snapshotFile="" disables persistence. An existing snapshot with a valid signature is loaded.
func NewMemoryIndex(snapshotFile string, logger *zap.Logger) (interf.Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &_MemoryIndex{
		byId:     make(map[string]*interf.FileRecord),
		snapshot: snapshotFile,
		logger:   logger.Named("memindex"),
		mux:      new(sync.RWMutex),
	}

	if snapshotFile != "" {
		if err := idx.load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Annotatef(err, "load index snapshot %s", snapshotFile)
		}
	}
	return idx, nil
}

//-----------  IMPLEMENTATION:  @see interf.Index  -------------------------------------------------------------------//

func (idx *_MemoryIndex) FindOne(_ context.Context, id string) (*interf.FileRecord, error) {
	idx.mux.RLock() // READ Lock
	defer idx.mux.RUnlock()

	rec, ok := idx.byId[id]
	if !ok || rec == nil {
		return nil, errors.NotFoundf("file %q", id)
	}
	return rec.Clone(), nil
}

func (idx *_MemoryIndex) Find(_ context.Context, filter interf.Filter) ([]*interf.FileRecord, error) {
	idx.mux.RLock() // READ Lock
	defer idx.mux.RUnlock()

	list := make([]*interf.FileRecord, 0)
	for _, rec := range idx.byId {
		if filter.Match(rec) {
			list = append(list, rec.Clone())
		}
	}
	SortRecords(list)
	return list, nil
}

func (idx *_MemoryIndex) Upsert(_ context.Context, rec *interf.FileRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.NotValidf("record without id")
	}

	idx.mux.Lock() // WRITE Lock
	defer idx.mux.Unlock()

	old, had := idx.byId[rec.ID]
	idx.byId[rec.ID] = rec.Clone()
	if err := idx.save(); err != nil {
		// the map keeps the state of the snapshot
		if had {
			idx.byId[rec.ID] = old
		} else {
			delete(idx.byId, rec.ID)
		}
		return err
	}
	return nil
}

func (idx *_MemoryIndex) Delete(_ context.Context, id string) error {
	idx.mux.Lock() // WRITE Lock
	defer idx.mux.Unlock()

	old, ok := idx.byId[id]
	if !ok {
		return nil
	}
	delete(idx.byId, id)
	if err := idx.save(); err != nil {
		idx.byId[id] = old
		return err
	}
	return nil
}

// SortRecords sorts by upload time, then by id.
func SortRecords(list []*interf.FileRecord) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UploadedAt.Equal(list[j].UploadedAt) {
			return list[i].UploadedAt.Before(list[j].UploadedAt)
		}
		return list[i].ID < list[j].ID
	})
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// save writes all records to the snapshot file (temp file + rename).
// Must be called with the write lock held.
func (idx *_MemoryIndex) save() error {
	if idx.snapshot == "" {
		return nil
	}

	tmp := idx.snapshot + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Trace(err)
	}

	snap := _Snapshot{Records: idx.byId, Sig: snapshotSig()}
	if err := gob.NewEncoder(fh).Encode(snap); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return errors.Annotate(err, "encode index snapshot")
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Trace(err)
	}
	if err := os.Rename(tmp, idx.snapshot); err != nil {
		_ = os.Remove(tmp)
		return errors.Trace(err)
	}
	return nil
}

// load reads the snapshot file. Must be called before the index is shared.
func (idx *_MemoryIndex) load() error {
	fh, err := os.Open(idx.snapshot)
	if err != nil {
		return errors.Trace(err)
	}
	defer fh.Close()

	snap := new(_Snapshot)
	if err := gob.NewDecoder(fh).Decode(snap); err != nil {
		return errors.Annotate(err, "decode index snapshot")
	}

	// check snapshot signature
	if snap.Sig != snapshotSig() {
		return errors.NotValidf("index snapshot signature")
	}

	for id, rec := range snap.Records {
		if rec != nil {
			idx.byId[id] = rec
		}
	}
	idx.logger.Info("index snapshot loaded",
		zap.String("file", filepath.Base(idx.snapshot)),
		zap.Int("records", len(idx.byId)))
	return nil
}

// snapshotSig binds a snapshot to the record layout.
func snapshotSig() string {
	h := md5.New()
	h.Write([]byte(snapshotVersion))
	return fmt.Sprintf("%x", h.Sum(nil))
}
