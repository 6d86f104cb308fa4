package impl

import (
	"io"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
)

var _ interf.ReaderAt = (*_RamReaderAt)(nil)

type _RamReaderAt struct {
	data []byte
}

// NewRamReaderAt return a ReaderAt implementation that provides data from the ram ([]byte).
func NewRamReaderAt(data []byte) interf.ReaderAt {
	// check nil
	if data == nil {
		data = make([]byte, 0)
	}
	// return
	return &_RamReaderAt{
		data: data,
	}
}

// LoadRamReaderAt reads the whole stream into the ram and closes it.
// Streams with more than interf.MaxRamReaderAt bytes are rejected.
func LoadRamReaderAt(rc io.ReadCloser) (interf.ReaderAt, error) {
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, interf.MaxRamReaderAt+1))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(data) > interf.MaxRamReaderAt {
		return nil, errors.NotValidf("stream larger than %d bytes for a ram ReaderAt", interf.MaxRamReaderAt)
	}
	return NewRamReaderAt(data), nil
}

//--------------------------------------------------------------------------------------------------------------------//

func (r *_RamReaderAt) ReadAt(b []byte, off int64) (n int, err error) {
	// check off
	if off < 0 {
		return 0, errors.NotValidf("negative offset %d", off)
	}
	// no data
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	// copy & return
	n = copy(b, r.data[off:])
	if n < len(b) {
		err = io.EOF
	}
	return
}

func (r *_RamReaderAt) Close() error {
	return nil
}

func (r *_RamReaderAt) Size() int64 {
	return int64(len(r.data))
}

func (r *_RamReaderAt) Stat() map[string]uint64 {
	return map[string]uint64{"RamBytes": uint64(len(r.data))}
}
