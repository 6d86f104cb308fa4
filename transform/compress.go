package transform

import (
	"io"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Zstd compresses with zstandard (default level).
func Zstd() Pair {
	return Pair{
		Name: "zstd",
		Write: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			return pipe(func(w io.Writer) error {
				enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true))
				if err != nil {
					return errors.Trace(err)
				}
				if _, err := io.Copy(enc, in); err != nil {
					_ = enc.Close()
					return errors.Annotate(err, "zstd compress")
				}
				return errors.Trace(enc.Close())
			}), nil
		},
		Read: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(in, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, errors.Annotate(err, "zstd decompress")
			}
			return dec.IOReadCloser(), nil
		},
	}
}

// Gzip compresses with gzip (default level).
func Gzip() Pair {
	return Pair{
		Name: "gzip",
		Write: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			return pipe(func(w io.Writer) error {
				zw := gzip.NewWriter(w)
				if _, err := io.Copy(zw, in); err != nil {
					_ = zw.Close()
					return errors.Annotate(err, "gzip compress")
				}
				return errors.Trace(zw.Close())
			}), nil
		},
		Read: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			zr, err := gzip.NewReader(in)
			if err != nil {
				return nil, errors.Annotate(err, "gzip decompress")
			}
			return zr, nil
		},
	}
}
