package impl

import (
	"encoding/binary"
	"runtime/debug"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/coocood/freecache"
	"github.com/oxtoacart/bpool"
)

// interface check: interf.Cache
var _ interf.Cache = (*_Cache)(nil)

// @see interf.Cache
//
// Cache stores sectors (data blocks of a copy) for a performant random read access. (@see interf.ReaderAt)
// The cache is always at least 1024 * SectorSize big (~17 MB).
// If possible, there should only be one common large cache (reuse the object in your program).
type _Cache struct {
	cache *freecache.Cache // RAM cache for sectors
	pool  *bpool.BytePool  // buffer pool
	size  int64
}

// NewCache return the default implementation of interf.Cache.
// cacheSizeMB can't be less than 17 (min. 1024 * SectorSize =~ 17 MB).
func NewCache(cacheSizeMB int) interf.Cache {
	// cache min. size
	min := ((1024 * interf.SectorSize) / (1024 * 1024)) + 1
	if cacheSizeMB < min {
		cacheSizeMB = min
	}

	// init freeCache
	cacheSize := cacheSizeMB * 1024 * 1024
	fCache := freecache.NewCache(cacheSize) // > 17 MB
	debug.SetGCPercent(20)

	return &_Cache{
		cache: fCache,
		pool:  bpool.NewBytePool(300, interf.SectorSize), // ~ 5 MB
		size:  int64(cacheSize),
	}
}

// @see interf.Cache
func (c *_Cache) Get(store, key string, gen int64, sector uint64, buf []byte) ([]byte, error) {
	return c.cache.GetWithBuf(c.calcCacheKey(store, key, gen, sector), buf)
}

// @see interf.Cache
func (c *_Cache) Set(store, key string, gen int64, sector uint64, data []byte) error {
	return c.cache.Set(c.calcCacheKey(store, key, gen, sector), data, interf.CacheExpireSeconds)
}

// @see interf.Cache
func (c *_Cache) Pool() *bpool.BytePool {
	return c.pool
}

// @see interf.Cache
func (c *_Cache) Size() int64 {
	return c.size
}

//-----  HELPER  -----------------------------------------------------------------------------------------------------//

// calcCacheKey converts store, key, generation and a sector into a byte key for freeCache.
// The store name is length prefixed, so "a"+"bc" and "ab"+"c" can't collide.
func (c *_Cache) calcCacheKey(store, key string, gen int64, sector uint64) []byte {
	b := make([]byte, 20, 20+len(store)+len(key))
	binary.LittleEndian.PutUint64(b[0:8], sector)
	binary.LittleEndian.PutUint64(b[8:16], uint64(gen))
	binary.LittleEndian.PutUint32(b[16:20], uint32(len(store)))
	b = append(b, store...)
	return append(b, key...)
}
