package interf

import (
	"context"
	"io"
)

// Collection manages the files of one collection: the records in an index and their
// copies in one or more stores.
// All methods must be safe for concurrent use.
type Collection interface {

	// Name returns the collection name.
	Name() string

	// Stores returns the configured store names in configured order.
	Stores() []string

	// Insert validates the file, creates the record and writes a copy to every store.
	// A PolicyError creates no record. If some stores fail, the record is returned
	// together with a *PartialWriteError; the successful copies are kept.
	Insert(ctx context.Context, r io.Reader, original Original, metadata map[string]string) (*FileRecord, error)

	// Retrieve opens the copy of a store (inverse transforms applied).
	// store = "" selects the first configured store holding a copy.
	Retrieve(ctx context.Context, id, store string) (io.ReadCloser, error)

	// RetrieveBytes returns the whole content of a copy.
	RetrieveBytes(ctx context.Context, id, store string) ([]byte, error)

	// ReaderAt returns a random access reader for the content of a copy.
	ReaderAt(ctx context.Context, id, store string) (ReaderAt, error)

	// Remove deletes all copies and the record. Removing an unknown id is not an error.
	// If a copy can't be deleted, the record is marked as pending removal and a
	// *PartialRemoveError is returned.
	Remove(ctx context.Context, id string) error

	// SweepPendingRemovals retries all pending removals and returns the number of deleted records.
	SweepPendingRemovals(ctx context.Context) (int, error)

	// UpdateMetadata sets and unsets user metadata. Copies and original are not touched.
	UpdateMetadata(ctx context.Context, id string, set map[string]string, unset ...string) (*FileRecord, error)

	// Repair writes missing copies (all configured stores without a copy, or the given ones).
	// The content is read from the first readable copy.
	Repair(ctx context.Context, id string, stores ...string) (*FileRecord, error)

	// Rewrite replaces the copy of one store with new content, if the store allows overwrites.
	Rewrite(ctx context.Context, id, store string, r io.Reader) (*FileRecord, error)

	// FindOne returns the record with the id (pending removals included).
	FindOne(ctx context.Context, id string) (*FileRecord, error)

	// Find returns all records of the collection matching the filter.
	// Pending removals are excluded unless the filter asks for them.
	Find(ctx context.Context, filter Filter) ([]*FileRecord, error)

	// URL returns the public read link of a file. store = "" omits the store parameter.
	URL(rec *FileRecord, store string) (string, error)

	// Allowed reports whether the policy admits a file with this metadata.
	Allowed(original Original) bool
}
