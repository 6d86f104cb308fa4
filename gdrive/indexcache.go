package gdrive

import (
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
)

// _IndexCache is the serialized form of the id cache.
// The signature binds the file to the Drive user and the folder.
type _IndexCache struct {
	IDs      map[string]string
	CacheSig string
}

// _IDCache maps keys to Drive file ids. It saves a name lookup (files.list) per read.
// With a cache file the mapping survives restarts.
type _IDCache struct {
	ids  map[string]string
	file string // optional
	sig  string
	mux  *sync.RWMutex
}

// newIDCache returns an empty cache. If file is set, a previous state with the same signature is loaded.
// A missing or foreign cache file is not an error: the cache starts empty.
func newIDCache(file, sig string) *_IDCache {
	c := &_IDCache{
		ids:  make(map[string]string),
		file: file,
		sig:  sig,
		mux:  new(sync.RWMutex),
	}
	if file != "" {
		if ic, err := loadIndexCache(file); err == nil && ic.CacheSig == sig && ic.IDs != nil {
			c.ids = ic.IDs
		}
	}
	return c
}

func (c *_IDCache) get(key string) (string, bool) {
	c.mux.RLock() // READ Lock
	defer c.mux.RUnlock()

	id, ok := c.ids[key]
	return id, ok
}

func (c *_IDCache) set(key, id string) error {
	c.mux.Lock() // WRITE Lock
	defer c.mux.Unlock()

	if c.ids[key] == id {
		return nil
	}
	c.ids[key] = id
	return c.save()
}

func (c *_IDCache) del(key string) error {
	c.mux.Lock() // WRITE Lock
	defer c.mux.Unlock()

	if _, ok := c.ids[key]; !ok {
		return nil
	}
	delete(c.ids, key)
	return c.save()
}

func (c *_IDCache) len() int {
	c.mux.RLock() // READ Lock
	defer c.mux.RUnlock()

	return len(c.ids)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// save writes the cache to its file (temp file + rename). WRITE Lock required.
func (c *_IDCache) save() error {
	if c.file == "" {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.file), ".idcache-*")
	if err != nil {
		return errors.Trace(err)
	}
	ic := _IndexCache{IDs: c.ids, CacheSig: c.sig}
	if err := gob.NewEncoder(tmp).Encode(ic); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Annotate(err, "encode id cache")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), c.file))
}

// loadIndexCache reads a cache file.
func loadIndexCache(file string) (*_IndexCache, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer fh.Close()

	ic := new(_IndexCache)
	if err := gob.NewDecoder(fh).Decode(ic); err != nil {
		return nil, errors.Annotate(err, "decode id cache")
	}
	return ic, nil
}

// cacheSig bind the id cache to the google user (permissionId) and the folder.
// Any change to the cacheSig invalidates the id cache.
func cacheSig(permissionID, folderID string) string {
	h := md5.New()
	h.Write([]byte(folderID)) // parent folder
	h.Write([]byte("|"))
	h.Write([]byte(permissionID)) // google user
	return fmt.Sprintf("%x", h.Sum(nil))
}
