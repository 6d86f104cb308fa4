package impl

import (
	"io"
	"sync/atomic"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"go.uber.org/zap"
)

// _ReaderStat counts the internal processes of a ReaderAt and writes debug logs.
type _ReaderStat struct {
	logger *zap.Logger // debug output, never nil

	_CacheHit      uint64
	_CacheMis      uint64
	_CacheSet      uint64
	_RAtNew        uint64
	_RAtClose      uint64
	_RAtReq        uint64
	_RAtRetErr     uint64
	_RAtSectorSkip uint64
	_RAtSectorRet  uint64
	_RAtBest       uint64
	_RAtAdd        uint64
	_RAtAddErr     uint64
}

func (s *_ReaderStat) Stat() map[string]uint64 {
	ret := map[string]uint64{
		"CacheHit":      atomic.LoadUint64(&s._CacheHit),
		"CacheMis":      atomic.LoadUint64(&s._CacheMis),
		"CacheSet":      atomic.LoadUint64(&s._CacheSet),
		"RAtNew":        atomic.LoadUint64(&s._RAtNew),
		"RAtClose":      atomic.LoadUint64(&s._RAtClose),
		"RAtReq":        atomic.LoadUint64(&s._RAtReq),
		"RAtRetErr":     atomic.LoadUint64(&s._RAtRetErr),
		"RAtSectorSkip": atomic.LoadUint64(&s._RAtSectorSkip),
		"RAtSectorRet":  atomic.LoadUint64(&s._RAtSectorRet),
		"RAtBest":       atomic.LoadUint64(&s._RAtBest),
		"RAtAdd":        atomic.LoadUint64(&s._RAtAdd),
		"RAtAddErr":     atomic.LoadUint64(&s._RAtAddErr),
	}

	// ignore zero values
	for k, v := range ret {
		if v == 0 {
			delete(ret, k)
		}
	}
	return ret
}

// ------------------------------------------------------------------------------------------------------------------ //

func (s *_ReaderStat) CacheGet(sector uint64, retLen int, err error) {
	if err == nil {
		atomic.AddUint64(&s._CacheHit, 1)
	} else {
		atomic.AddUint64(&s._CacheMis, 1)
	}
	s.logger.Debug("cache get", zap.Uint64("sector", sector), zap.Int("ret", retLen), zap.Bool("hit", err == nil))
}

func (s *_ReaderStat) CacheSet(sector uint64, data int, err error) {
	atomic.AddUint64(&s._CacheSet, 1)
	if err != nil {
		s.logger.Error("cache set", zap.Uint64("sector", sector), zap.Int("data", data), zap.Error(err))
	}
}

func (s *_ReaderStat) RAtNew(cache bool) {
	atomic.AddUint64(&s._RAtNew, 1)
	s.logger.Debug("new reader", zap.Bool("cache", cache))
}

func (s *_ReaderStat) RAtClose(slot int) {
	atomic.AddUint64(&s._RAtClose, 1)
	s.logger.Debug("close connection", zap.Int("slot", slot))
}

func (s *_ReaderStat) RAtReq(off int64, req int, sector uint64, innerOff int) {
	atomic.AddUint64(&s._RAtReq, 1)
	s.logger.Debug("read request", zap.Int64("off", off), zap.Int("req", req), zap.Uint64("startSector", sector), zap.Int("innerOff", innerOff))
}

func (s *_ReaderStat) RAtRet(off int64, req int, ret int, err error) {
	if err != nil && err != io.EOF {
		atomic.AddUint64(&s._RAtRetErr, 1)
	}
	s.logger.Debug("read return", zap.Int64("off", off), zap.Int("req", req), zap.Int("ret", ret), zap.Error(err))
}

func (s *_ReaderStat) RAtSectorSkip(skip uint64, n int, err error) {
	atomic.AddUint64(&s._RAtSectorSkip, 1)
	s.logger.Debug("skip sector", zap.Uint64("sector", skip), zap.Int("n", n), zap.Error(err))
}

func (s *_ReaderStat) RAtSectorRet(sector uint64, n int, err error) {
	atomic.AddUint64(&s._RAtSectorRet, 1)
	s.logger.Debug("read sector", zap.Uint64("sector", sector), zap.Int("n", n), zap.Int("sectorSize", interf.SectorSize), zap.Error(err))
}

func (s *_ReaderStat) RAtBest(index int, current uint64) {
	if index >= 0 {
		atomic.AddUint64(&s._RAtBest, 1)
	}
	s.logger.Debug("best connection", zap.Int("index", index), zap.Uint64("current", current))
}

func (s *_ReaderStat) RAtAdd(sector uint64, err error) {
	atomic.AddUint64(&s._RAtAdd, 1)
	if err != nil && err != io.EOF {
		atomic.AddUint64(&s._RAtAddErr, 1)
	}
	s.logger.Debug("open connection", zap.Uint64("startSector", sector), zap.Error(err))
}
