package interf

import (
	"context"
	"io"
)

// Store is the uniform capability of a storage backend: write a byte stream under a key
// and read it back, independent of the backend technology.
// All methods must be safe for concurrent use.
type Store interface {

	// Name returns the configured store name. It is the key of FileRecord.Copies.
	Name() string

	// Write persists the stream r under key. The copy must not be visible before the
	// whole stream was persisted (temp+rename, multipart commit, ...).
	// rec is the file the copy belongs to. It is only read, never modified or retained.
	// The returned CopyInfo has Key, Name, Size, Type, CreatedAt and UpdatedAt set.
	Write(ctx context.Context, key string, r io.Reader, rec *FileRecord) (CopyInfo, error)

	// Read opens the copy stored under key. The caller must close the reader.
	// A missing key returns a StoreError of kind KindNotFound.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Remove deletes the copy stored under key.
	// Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Exists reports whether a copy is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// RangeReader is implemented by stores that can open a copy at an offset.
// It is used for random read access (see ReaderAt).
type RangeReader interface {

	// ReadRange opens the copy stored under key and skips the first off bytes.
	// The caller must close the reader.
	ReadRange(ctx context.Context, key string, off int64) (io.ReadCloser, error)
}
