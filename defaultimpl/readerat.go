package impl

import (
	"context"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
)

// interface check: interf.ReaderAt
var _ interf.ReaderAt = (*_ReaderAt)(nil)

// @see interf.ReaderAt
//
// ReaderAt allow random read access to one copy of a file.
// Sectors are cached, and up to interf.MaxReadersPerCopy open connections are reused
// as long as the requested sector is ahead of them (max. interf.MaxSectorJump).
type _ReaderAt struct {
	mux   *sync.Mutex  // protect 'inner'
	inner []*_Reader   // open connections to the copy (backbone)
	stat  *_ReaderStat // collects statistical data about internal processes

	ctx   context.Context    // for new connections
	store string             // store name (cache key)
	key   string             // key of the copy
	gen   int64              // write generation of the copy (cache key)
	size  int64              // size of the copy
	src   interf.RangeReader // for new connections
	cache interf.Cache       // for caching sectors, can be nil !
	pool  *bpool.BytePool    // the byte pool avoids allocating memory
}

// NewReaderAt creates a new interf.ReaderAt object for random read access to a copy.
// No connections are made before the first call of ReadAt().
// Is cache = nil, the cache is disabled.
// gen is the write generation of the copy (interf.CopyInfo); cached sectors of other generations are not used.
func NewReaderAt(ctx context.Context, store, key string, gen int64, size int64, src interf.RangeReader, cache interf.Cache, logger *zap.Logger) (interf.ReaderAt, error) {
	// check input
	// the cache can be nil!
	if key == "" || src == nil {
		return nil, errors.NotValidf("ReaderAt with key=%q or src=nil", key)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// ReaderAt statistic
	stat := &_ReaderStat{
		logger: logger.Named("readerat").With(zap.String("store", store), zap.String("key", key)),
	}

	// use byte pool from cache
	// or create a small pool (cache == nil)
	var pool *bpool.BytePool
	if cache != nil {
		pool = cache.Pool()
	} else {
		pool = bpool.NewBytePool(25, interf.SectorSize)
	}

	// return new ReaderAt
	stat.RAtNew(cache != nil) // DEBUG
	return &_ReaderAt{
		mux:   new(sync.Mutex),
		inner: make([]*_Reader, interf.MaxReadersPerCopy),
		stat:  stat,

		ctx:   ctx,
		store: store,
		key:   key,
		gen:   gen,
		size:  size,
		src:   src,
		cache: cache,
		pool:  pool,
	}, nil
}

// @see interf.ReaderAt
func (r *_ReaderAt) Close() error {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	for i, v := range r.inner {
		if v != nil {
			r.stat.RAtClose(i) // DEBUG
			_ = v.Close()
			r.inner[i] = nil
		}
	}
	return nil
}

// @see interf.ReaderAt
func (r *_ReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil // read nothing -> return nothing
	}
	if off < 0 {
		return 0, errors.NotValidf("negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF // nothing behind the end
	}

	// buffer from pool
	buf := r.pool.Get()
	defer r.pool.Put(buf)

	// read sectors
	sector, innerOff := r.calcSector(off)
	read := 0

	r.stat.RAtReq(off, len(p), sector, innerOff) // DEBUG
	for {
		// read sector
		b, err := r.getSector(buf, sector) // thread-safe

		// cut inner offset
		if len(b) < innerOff {
			b = b[len(b):] // nothing left
		} else {
			b = b[innerOff:]
		}

		// copy to return buffer
		n := copy(p[read:], b)

		// update vars
		sector++     // next sector
		innerOff = 0 // innerOff is 0 after first read
		read += n    // update read n

		// exit
		if n == 0 || err != nil || read == len(p) {
			if err == io.EOF && len(p) == read {
				err = nil // a full buffer is never io.EOF
			}
			if err == nil && read < len(p) {
				err = io.EOF // short read at the end of the copy
			}
			r.stat.RAtRet(off, len(p), read, err) // DEBUG
			return read, err
		}
	}
}

// @see interf.ReaderAt
func (r *_ReaderAt) Size() int64 {
	return r.size
}

// @see interf.ReaderAt
func (r *_ReaderAt) Stat() map[string]uint64 {
	return r.stat.Stat()
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// getSector returns the requested sector.
// This method doesn't allocate memory when the capacity of buf is greater or equal to value (see SectorSize).
func (r *_ReaderAt) getSector(buf []byte, sector uint64) ([]byte, error) {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	// ask cache
	if r.cache != nil {
		b, err := r.cache.Get(r.store, r.key, r.gen, sector, buf)
		r.stat.CacheGet(sector, len(b), err) // DEBUG
		if err == nil {
			return b, nil
		}
	}

	// Get best connection
	c := r.bestConn(sector)
	if c == nil {
		// no reader found, create new one
		var err error
		c, err = r.addConn(sector)
		if err != nil {
			return buf[:0], err
		}
	}

	// skip sectors until the connection is at the requested one
	for c.sector < sector {
		logSector := c.sector
		n, err := c.Read(buf)
		r.stat.RAtSectorSkip(logSector, n, err) // DEBUG

		if r.cache != nil && n > 0 && (err == nil || err == io.EOF) {
			errSet := r.cache.Set(r.store, r.key, r.gen, c.sector-1, buf[:n]) // don't waste VALID data
			r.stat.CacheSet(c.sector-1, n, errSet)                     // DEBUG
		}

		if err != nil {
			_ = c.Close()       // error -> close connection
			return buf[:0], err // we are not at the requested sector
		}
	}

	// read
	n, err := c.Read(buf)
	if err != nil {
		_ = c.Close()
	}
	r.stat.RAtSectorRet(sector, n, err) // DEBUG

	// cache
	if r.cache != nil && n > 0 && (err == nil || err == io.EOF) {
		errSet := r.cache.Set(r.store, r.key, r.gen, sector, buf[:n])
		r.stat.CacheSet(sector, n, errSet) // DEBUG
	}

	return buf[:n], err
}

// bestConn looks for an open connection that can be reused. Returns nil if no valid connection was found.
// The returned connection does not have to exactly match the desired sector.
func (r *_ReaderAt) bestConn(sector uint64) *_Reader {
	var bestDist uint64 = math.MaxUint64
	var index = -1

	for k, v := range r.inner {
		// skip: no valid connection
		if v == nil || v.c == nil {
			continue
		}
		// skip: sector is behind the position (can't read back) or too far away
		if sector < v.sector || sector > v.sector+interf.MaxSectorJump {
			continue
		}
		dist := sector - v.sector
		if dist < bestDist {
			bestDist = dist
			index = k
		}
		if bestDist == 0 {
			break
		}
	}

	if index >= 0 {
		c := r.inner[index]
		r.stat.RAtBest(index, c.sector) // DEBUG
		return c
	}
	r.stat.RAtBest(index, math.MaxUint64) // DEBUG
	return nil
}

// addConn opens a new connection and places it first in the internal list.
// The oldest connection is closed.
func (r *_ReaderAt) addConn(sector uint64) (*_Reader, error) {

	// sort by age, newest first
	r.sortByAge()

	// close last position
	last := len(r.inner) - 1
	if r.inner[last] != nil {
		_ = r.inner[last].Close()
	}

	// clear position one
	for i := len(r.inner) - 1; i > 0; i-- {
		r.inner[i] = r.inner[i-1]
	}
	r.inner[0] = nil

	// create new connection
	inner, err := r.src.ReadRange(r.ctx, r.key, int64(sector*interf.SectorSize))
	r.stat.RAtAdd(sector, err) // DEBUG
	if err != nil {
		return nil, err
	}

	r.inner[0] = newInnerReader(inner, sector)
	return r.inner[0], nil
}

// sortByAge sorts the internal connections. The newest is first, closed or nil connections are last.
func (r *_ReaderAt) sortByAge() {
	sort.SliceStable(r.inner, func(p, q int) bool {
		return r.inner[p].lastUse() > r.inner[q].lastUse()
	})
}

// calcSector calculates in which sector the first byte begins with a inner offset.
// The first sector starts at 0.
func (r *_ReaderAt) calcSector(offset int64) (sector uint64, innerOff int) {
	if offset < 0 {
		return 0, 0
	}
	innerOff = int(offset % interf.SectorSize)
	sector = uint64(offset-int64(innerOff)) / interf.SectorSize
	return
}

// ------------------------------------------------------------------------------------------------------------------ //

// interface check: io.ReadCloser
var _ io.ReadCloser = (*_Reader)(nil)

// _Reader is a ReadCloser that stores the current position and time of the last access.
type _Reader struct {
	c      io.ReadCloser // connection to the store (can be nil)
	sector uint64        // position (sector number) for next read
	age    int64         // time of last use (unix nano)
}

// newInnerReader initialized a new _Reader. sector is the start sector (offset)
func newInnerReader(c io.ReadCloser, sector uint64) *_Reader {
	return &_Reader{
		c:      c,
		sector: sector,
		age:    time.Now().UnixNano(),
	}
}

// lastUse returns the age of a valid connection or math.MinInt64.
func (r *_Reader) lastUse() int64 {
	if r == nil || r.c == nil {
		return math.MinInt64
	}
	return r.age
}

// Close the connection. Has no effect after the first call.
func (r *_Reader) Close() error {
	if r.c != nil {
		_ = r.c.Close()
		r.c = nil
	}
	return nil
}

// Read reads exactly one sector into buf. If the given buffer is not exactly the
// sector size, an error is returned. A short sector comes with the error that ended it.
func (r *_Reader) Read(buf []byte) (n int, err error) {
	if r.c == nil {
		return 0, io.ErrClosedPipe
	}
	if len(buf) != interf.SectorSize {
		return 0, errors.New("wrong buffer size for reading a sector")
	}

	// read all: leave the loop with full buffer or an error
	for n < interf.SectorSize && err == nil {
		var nn int
		nn, err = r.c.Read(buf[n:])
		n += nn
	}

	if n > 0 {
		r.age = time.Now().UnixNano()
		r.sector += 1
	}

	// buffer is full, everything is fine
	if n >= interf.SectorSize {
		return n, nil
	}
	return
}
