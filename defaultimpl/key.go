package impl

import (
	"path"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
)

// KeyMaker derives the key of the copy a store gets for a record.
type KeyMaker func(rec *interf.FileRecord, store string) string

// interface check: KeyMaker
var _ KeyMaker = DefaultKey

// DefaultKey derives a key from the collection, the file id and the store name.
// Example: images/3f8a1c2e-5d4b-4e0f-9a7c-1b2d3e4f5a6b-thumbs.png
//
// The file id makes the key unique across files, the store name across the copies of one
// file. The extension of the original name is kept for backends that look at it.
func DefaultKey(rec *interf.FileRecord, store string) string {
	name := rec.ID + "-" + store
	if ext := rec.Extension(); ext != "" && isAlnum(ext) {
		name += "." + ext
	}
	if rec.Collection == "" {
		return name
	}
	return path.Join(rec.Collection, name)
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
