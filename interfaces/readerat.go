package interf

import "io"

// ReaderAt is random read access to one copy of a file.
// Implementations may keep several open readers on the store and use a Cache.
// ReadAt follows the io.ReaderAt contract and may be called in parallel.
type ReaderAt interface {
	io.ReaderAt
	io.Closer

	// Size returns the size of the copy in bytes.
	Size() int64

	// Stat returns counters of internal events (new reader, cache hit, ...) for tests and debugging.
	Stat() map[string]uint64
}
