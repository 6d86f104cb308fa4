package interf

import (
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// FileRecord stands for a single file in a collection: the original upload and
// zero or more copies, one per store.
//
// A FileRecord is owned by the collection that created it. Values handed out by a
// collection are clones and can be changed safely.
type FileRecord struct {

	// ID uniquely identifies a file.
	// Example: 3f8a1c2e-5d4b-4e0f-9a7c-1b2d3e4f5a6b
	ID string `bson:"_id" json:"id"`

	// Collection is the name of the collection that owns the record.
	Collection string `bson:"collection" json:"collection"`

	// Original is the metadata captured at insert time. It is never altered by store writes.
	Original Original `bson:"original" json:"original"`

	// Copies maps a store name to the copy persisted in that store.
	// An entry is only added after a successful write.
	Copies map[string]CopyInfo `bson:"copies" json:"copies"`

	// Failures maps a store name to the last failed write to that store.
	// A successful write (repair) clears the entry.
	Failures map[string]CopyFailure `bson:"failures,omitempty" json:"failures,omitempty"`

	// UploadedAt is the time the record was accepted.
	UploadedAt time.Time `bson:"uploadedAt" json:"uploadedAt"`

	// Metadata is arbitrary user data. Only UpdateMetadata changes it.
	Metadata map[string]string `bson:"metadata" json:"metadata"`

	// PendingRemoval is set when a remove could not delete every copy.
	PendingRemoval bool `bson:"pendingRemoval" json:"pendingRemoval"`
}

// Original is the source-of-truth metadata of an upload.
type Original struct {
	Name      string    `bson:"name" json:"name"`           // example: photo.png
	Size      int64     `bson:"size" json:"size"`           // bytes
	Type      string    `bson:"type" json:"type"`           // content type, example: image/png
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"` // modification time of the source
}

// CopyInfo is the state of one copy in one store.
// Key and Size are never changed. A changed copy is a new write cycle.
type CopyInfo struct {
	Key       string    `bson:"key" json:"key"` // backend specific locator
	Name      string    `bson:"name" json:"name"`
	Size      int64     `bson:"size" json:"size"` // persisted bytes (after write transforms)
	Type      string    `bson:"type" json:"type"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
	// Generation increases with every write of the copy (cache identity of the content).
	Generation int64 `bson:"generation" json:"generation"`
}

// CopyFailure records why a store has no copy.
type CopyFailure struct {
	Kind    ErrorKind `bson:"kind" json:"kind"`
	Message string    `bson:"message" json:"message"`
	At      time.Time `bson:"at" json:"at"`
}

// NewFileRecord returns a record with empty copies.
func NewFileRecord(id, collection string, original Original, metadata map[string]string, uploadedAt time.Time) *FileRecord {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &FileRecord{
		ID:         id,
		Collection: collection,
		Original:   original,
		Copies:     make(map[string]CopyInfo),
		Failures:   make(map[string]CopyFailure),
		UploadedAt: uploadedAt,
		Metadata:   md,
	}
}

// Clone returns a deep copy of the record.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Copies = make(map[string]CopyInfo, len(r.Copies))
	for k, v := range r.Copies {
		c.Copies[k] = v
	}
	c.Failures = make(map[string]CopyFailure, len(r.Failures))
	for k, v := range r.Failures {
		c.Failures[k] = v
	}
	c.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Info returns the copy of a store.
func (r *FileRecord) Info(store string) (CopyInfo, bool) {
	if r == nil || r.Copies == nil {
		return CopyInfo{}, false
	}
	ci, ok := r.Copies[store]
	return ci, ok
}

// IsStored reports whether the store holds a copy.
func (r *FileRecord) IsStored(store string) bool {
	_, ok := r.Info(store)
	return ok
}

// Extension returns the lower case extension of the original name without the dot.
// Example: png
func (r *FileRecord) Extension() string {
	return Extension(r.Original.Name)
}

// Size returns the size of a copy or, with store = "", the original size.
func (r *FileRecord) Size(store string) int64 {
	if store == "" {
		return r.Original.Size
	}
	ci, _ := r.Info(store)
	return ci.Size
}

// FormattedSize returns Size(store) as a human readable string.
// Example: 1.2 MB
func (r *FileRecord) FormattedSize(store string) string {
	size := r.Size(store)
	if size < 0 {
		size = 0
	}
	return humanize.Bytes(uint64(size))
}

// Extension returns the lower case extension of a file name without the dot.
func Extension(name string) string {
	ext := path.Ext(strings.TrimSpace(name))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
