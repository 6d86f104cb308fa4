package interf

import (
	"context"
	"strings"
)

// Index is the persistent record index a collection delegates to.
// FindOne returns a NotFound error (errors.Is(err, errors.NotFound)) for unknown ids.
// Delete of an unknown id is not an error.
// All methods must be safe for concurrent use.
type Index interface {
	FindOne(ctx context.Context, id string) (*FileRecord, error)
	Find(ctx context.Context, filter Filter) ([]*FileRecord, error)
	Upsert(ctx context.Context, rec *FileRecord) error
	Delete(ctx context.Context, id string) error
}

// Filter selects records. Empty fields are not considered.
type Filter struct {
	Collection     string            // owning collection
	Name           string            // original name (exact)
	ContentType    string            // original type (exact or "image/*")
	Metadata       map[string]string // all pairs must match
	StoredIn       string            // store must hold a copy
	MissingIn      string            // store must not hold a copy
	PendingRemoval *bool             // nil: don't care
}

// Match reports whether the record passes the filter.
func (f Filter) Match(rec *FileRecord) bool {
	if rec == nil {
		return false
	}
	if f.Collection != "" && rec.Collection != f.Collection {
		return false
	}
	if f.Name != "" && rec.Original.Name != f.Name {
		return false
	}
	if f.ContentType != "" && !MatchContentType(f.ContentType, rec.Original.Type) {
		return false
	}
	for k, v := range f.Metadata {
		if got, ok := rec.Metadata[k]; !ok || got != v {
			return false
		}
	}
	if f.StoredIn != "" && !rec.IsStored(f.StoredIn) {
		return false
	}
	if f.MissingIn != "" && rec.IsStored(f.MissingIn) {
		return false
	}
	if f.PendingRemoval != nil && rec.PendingRemoval != *f.PendingRemoval {
		return false
	}
	return true
}

// MatchContentType compares a pattern (exact or "type/*") with a content type.
// Parameters like "; charset=utf-8" are ignored. The comparison is case-insensitive.
func MatchContentType(pattern, contentType string) bool {
	pattern = normContentType(pattern)
	contentType = normContentType(contentType)
	if pattern == "" || contentType == "" {
		return false
	}
	if pattern == "*/*" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(contentType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == contentType
}

func normContentType(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}
