package interf

import "github.com/oxtoacart/bpool"

// Cache stores sectors (data blocks of a copy) for a performant random read access. (@see interf.ReaderAt)
// The cache is always at least 1024 * SectorSize big (~17 MB).
// If possible, there should only be one common large cache (reuse the object in your program).
type Cache interface {

	// Get returns the value or 'not found' error.
	// The copy is identified by the store name, the key and the generation of the copy.
	// A rewritten copy gets a new generation, so sectors of the old content are never returned.
	// This method doesn't allocate memory when the capacity of buf is greater or equal to value.
	Get(store, key string, gen int64, sector uint64, buf []byte) ([]byte, error)

	// Set stores the value in the cache.
	// Old data can be deleted if the cache is full.
	// The value expires after interf.CacheExpireSeconds.
	Set(store, key string, gen int64, sector uint64, data []byte) error

	// Pool returns a byte pool. This means that the small byte buffers can be reused and the allocation is reduced.
	// The Pool contain 300 buffer with the size of interf.SectorSize.
	//
	// Example of use:
	//   buf := c.Pool().Get()
	//   defer c.Pool().Put(buf)
	Pool() *bpool.BytePool

	// Size returns the max. capacity of this cache in bytes.
	Size() int64
}
