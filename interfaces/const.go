package interf

import "time"

// SectorSize is the size of a sector. A sector is a part of a stored copy.
// It is comparable to sectors of a block device.
// The SectorSize is also the buffer size for ranged reads and the cache granularity.
const SectorSize = 16384 // 16 kiB

// MaxSectorJump determines how far an open reader may be read forward to reach a sector.
// Remote backends do not allow random read access on an open stream.
// To reach a more distant sector, you either have to read up to this point or open a new reader.
// Opening a new reader often takes longer than reading unnecessary data.
const MaxSectorJump = (50 * 1024 * 1024) / SectorSize // 3200 sectors (=50 MiB)

// MaxReadersPerCopy determines how many open readers a ReaderAt keeps for later use.
const MaxReadersPerCopy = 6

// CacheExpireSeconds is the default value n. The cache stores data for max. n seconds.
const CacheExpireSeconds = 2 * 24 * 60 * 60 // 2 days

// MaxFileSize defines the maximum size in byte of the supported files.
const MaxFileSize = 100 * 1024 * 1024 * 1024 // 100 GiB

// MaxRamReaderAt is the largest copy that is loaded into RAM when a store can't serve ranged reads.
const MaxRamReaderAt = 64 * 1024 * 1024 // 64 MiB

// DefaultMaxTries bounds the attempts of a single store operation.
const DefaultMaxTries = 5

// DefaultRetryDelay is the first backoff delay, doubled after every failed attempt.
const DefaultRetryDelay = 200 * time.Millisecond

// DefaultMaxRetryDelay caps the exponential backoff.
const DefaultMaxRetryDelay = 10 * time.Second

// DefaultChunkSize is the chunk size of the chunked-blob store.
const DefaultChunkSize = 256 * 1024 // 256 kiB
