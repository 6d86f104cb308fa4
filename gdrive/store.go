// Package gdrive is the Google Drive backend. It authenticates with an OAuth token
// and stores every copy as a file in one Drive folder. The key is the file name.
package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// interface check: interf.Store and interf.RangeReader
var _ interf.Store = (*_Store)(nil)
var _ interf.RangeReader = (*_Store)(nil)

// Options configure a Drive store.
type Options struct {
	// FolderID is the folder with the copies. If the value is "root" or empty, the root directory of Google Drive is used.
	FolderID string

	// CacheFile keeps the key to file id mapping across restarts (optional).
	CacheFile string
}

// @see interf.Store
type _Store struct {
	name   string
	google *drive.Service
	ts     oauth2.TokenSource
	folder string
	ids    *_IDCache
	logger *zap.Logger
}

// New returns the Google Drive implementation of interf.Store.
// The folder is resolved once (root fix). Extra client options are passed to the Drive client.
func New(ctx context.Context, name string, ts oauth2.TokenSource, opts Options, logger *zap.Logger, clientOpts ...option.ClientOption) (interf.Store, error) {
	if name == "" || ts == nil {
		return nil, errors.NotValidf("gdrive store with name=%q and token source %v", name, ts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store." + name)

	s := &_Store{
		name:   name,
		ts:     ts,
		folder: opts.FolderID,
		logger: logger,
	}
	if err := s.authorize(interf.OpExists); err != nil {
		return nil, err
	}

	google, err := drive.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, clientOpts...)...)
	if err != nil {
		return nil, errors.Annotate(err, "init drive client")
	}
	s.google = google

	// root fix: replace root alias with valid folder id
	if s.folder == "root" || s.folder == "" {
		root, err := s.google.Files.Get("root").Fields("id").Context(ctx).Do()
		if err != nil {
			return nil, s.fail(interf.OpExists, errors.Annotate(err, "resolve root folder"))
		}
		logger.Info("root folder resolved", zap.String("folder", root.Id))
		s.folder = root.Id
	}

	// the id cache is bound to the user and the folder
	sig := ""
	if opts.CacheFile != "" {
		about, err := s.google.About.Get().Fields("user(permissionId)").Context(ctx).Do()
		if err != nil {
			return nil, s.fail(interf.OpExists, errors.Annotate(err, "get user permissionId"))
		}
		if about.User == nil || len(about.User.PermissionId) < 3 {
			return nil, errors.NotValidf("user permissionId")
		}
		sig = cacheSig(about.User.PermissionId, s.folder)
	}
	s.ids = newIDCache(opts.CacheFile, sig)

	logger.Info("drive client initialized", zap.String("folder", s.folder), zap.Int("cachedIDs", s.ids.len()))
	return s, nil
}

//-----------  IMPLEMENTATION:  @see interf.Store  -------------------------------------------------------------------//

func (s *_Store) Name() string {
	return s.name
}

// Write uploads a new Drive file. Older files with the same name are trashed afterwards,
// so a reader sees the old or the new content, never a partial one.
func (s *_Store) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	if key == "" || r == nil || rec == nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.NotValidf("empty key, nil reader or nil record"))
	}
	if err := s.authorize(interf.OpWrite); err != nil {
		return interf.CopyInfo{}, err
	}

	contentType := rec.Original.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := &drive.File{
		Name:          key,
		Parents:       []string{s.folder},
		MimeType:      contentType,
		AppProperties: map[string]string{"fileId": rec.ID, "collection": rec.Collection},
	}

	cr := &countingReader{ctx: ctx, r: r}
	f, err := s.google.Files.Create(meta).
		Media(cr, googleapi.ContentType(contentType)).
		Fields("id, size, createdTime, modifiedTime").
		Context(ctx).Do()
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(err, "upload %s", key))
	}

	// trash older revisions
	older, err := s.list(ctx, key)
	if err != nil {
		s.logger.Warn("list older revisions", zap.String("key", key), zap.Error(err))
	}
	for _, o := range older {
		if o.Id == f.Id {
			continue
		}
		if err := s.trash(ctx, o.Id); err != nil {
			s.logger.Warn("trash older revision", zap.String("key", key), zap.String("id", o.Id), zap.Error(err))
		}
	}
	s.cacheSet(key, f.Id)

	size := cr.n
	if f.Size > 0 {
		size = f.Size
	}
	created := ParseTime(f.CreatedTime)
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := ParseTime(f.ModifiedTime)
	if updated.IsZero() {
		updated = created
	}

	s.logger.Debug("copy written", zap.String("key", key), zap.String("id", f.Id), zap.Int64("size", size))
	return interf.CopyInfo{
		Key:       key,
		Name:      rec.Original.Name,
		Size:      size,
		Type:      rec.Original.Type,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (s *_Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.ReadRange(ctx, key, 0)
}

// ReadRange downloads the file with a "Range: bytes=off-" header.
// A cached id that no longer exists is dropped and the name is looked up again.
func (s *_Store) ReadRange(ctx context.Context, key string, off int64) (io.ReadCloser, error) {
	if key == "" || off < 0 {
		return nil, s.fail(interf.OpRead, errors.NotValidf("key %q with offset %d", key, off))
	}
	if err := s.authorize(interf.OpRead); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		id, cached, err := s.lookup(ctx, key)
		if err != nil {
			return nil, s.fail(interf.OpRead, err)
		}
		if id == "" {
			return nil, s.fail(interf.OpRead, errors.NotFoundf("key %s", key))
		}

		get := s.google.Files.Get(id).Context(ctx)
		if off > 0 {
			get.Header().Set("Range", fmt.Sprintf("bytes=%d-", off))
		}
		resp, err := get.Download()
		if err != nil {
			var gErr *googleapi.Error
			if errors.As(err, &gErr) && gErr.Code == http.StatusRequestedRangeNotSatisfiable {
				return io.NopCloser(bytes.NewReader(nil)), nil // offset behind the end
			}
			if cached && Classify(err) == interf.KindNotFound {
				s.cacheDel(key)
				continue
			}
			return nil, s.fail(interf.OpRead, errors.Annotatef(err, "download %s", key))
		}
		return resp.Body, nil
	}
	return nil, s.fail(interf.OpRead, errors.NotFoundf("key %s", key))
}

// Remove moves every file with the name key to the trash.
func (s *_Store) Remove(ctx context.Context, key string) error {
	if key == "" {
		return s.fail(interf.OpRemove, errors.NotValidf("empty key"))
	}
	if err := s.authorize(interf.OpRemove); err != nil {
		return err
	}

	files, err := s.list(ctx, key)
	if err != nil {
		return s.fail(interf.OpRemove, err)
	}
	for _, f := range files {
		if err := s.trash(ctx, f.Id); err != nil && Classify(err) != interf.KindNotFound {
			return s.fail(interf.OpRemove, errors.Annotatef(err, "trash %s", key))
		}
	}
	s.cacheDel(key)
	s.logger.Debug("copy removed", zap.String("key", key), zap.Int("files", len(files)))
	return nil
}

func (s *_Store) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, s.fail(interf.OpExists, errors.NotValidf("empty key"))
	}
	if err := s.authorize(interf.OpExists); err != nil {
		return false, err
	}

	files, err := s.list(ctx, key)
	if err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	if len(files) == 0 {
		s.cacheDel(key)
		return false, nil
	}
	s.cacheSet(key, files[0].Id)
	return true, nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// authorize checks the token before a request is sent.
// An expired token without a working refresh is an auth error, never a retry case.
func (s *_Store) authorize(op string) error {
	tok, err := s.ts.Token()
	if err != nil {
		kind := interf.KindAuth
		if Classify(err) == interf.KindTransient {
			kind = interf.KindTransient // token endpoint not reachable
		}
		return interf.NewStoreError(s.name, op, kind, errors.Annotate(err, "token"))
	}
	if !tok.Valid() {
		return interf.NewStoreError(s.name, op, interf.KindAuth, errors.Unauthorizedf("token expired"))
	}
	return nil
}

// lookup returns the id of the newest file with the name key.
// cached is true if the id comes from the cache.
func (s *_Store) lookup(ctx context.Context, key string) (id string, cached bool, err error) {
	if id, ok := s.ids.get(key); ok {
		return id, true, nil
	}
	files, err := s.list(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(files) == 0 {
		return "", false, nil
	}
	s.cacheSet(key, files[0].Id)
	return files[0].Id, false, nil
}

// list returns all files in the folder with the name key (newest first).
func (s *_Store) list(ctx context.Context, key string) ([]*drive.File, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQuery(key), escapeQuery(s.folder))

	var files []*drive.File
	pageToken := ""
	for {
		fl, err := s.google.Files.List().Q(query).
			OrderBy("createdTime desc").
			Fields("nextPageToken, files(id, name, createdTime)").
			PageToken(pageToken).
			Context(ctx).Do()
		if err != nil {
			return nil, errors.Annotatef(err, "list %s", key)
		}
		files = append(files, fl.Files...)
		pageToken = fl.NextPageToken
		if pageToken == "" {
			return files, nil
		}
	}
}

func (s *_Store) trash(ctx context.Context, id string) error {
	_, err := s.google.Files.Update(id, &drive.File{Trashed: true}).Fields("id").Context(ctx).Do()
	return err
}

func (s *_Store) cacheSet(key, id string) {
	if err := s.ids.set(key, id); err != nil {
		s.logger.Warn("save id cache", zap.Error(err))
	}
}

func (s *_Store) cacheDel(key string) {
	if err := s.ids.del(key); err != nil {
		s.logger.Warn("save id cache", zap.Error(err))
	}
}

func (s *_Store) fail(op string, err error) error {
	return interf.NewStoreError(s.name, op, Classify(err), err)
}

// Classify maps Drive API, OAuth and network errors to store error kinds.
func Classify(err error) interf.ErrorKind {
	if err == nil {
		return 0
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == http.StatusNotFound:
			return interf.KindNotFound
		case gErr.Code == http.StatusUnauthorized:
			return interf.KindAuth
		case gErr.Code == http.StatusForbidden:
			for _, e := range gErr.Errors {
				switch e.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded":
					return interf.KindTransient
				case "insufficientPermissions", "authError":
					return interf.KindAuth
				}
			}
			return interf.KindPermanent
		case gErr.Code == http.StatusTooManyRequests || gErr.Code == http.StatusRequestTimeout || gErr.Code >= 500:
			return interf.KindTransient
		default:
			return interf.KindPermanent
		}
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.Response != nil && rErr.Response.StatusCode >= 500 {
			return interf.KindTransient
		}
		return interf.KindAuth
	}

	var netErr net.Error
	switch {
	case errors.Is(err, errors.NotFound):
		return interf.KindNotFound
	case errors.Is(err, errors.Unauthorized):
		return interf.KindAuth
	case errors.Is(err, errors.NotValid), errors.Is(err, context.Canceled):
		return interf.KindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		return interf.KindTransient
	case errors.As(err, &netErr):
		return interf.KindTransient
	default:
		return interf.KindIO
	}
}

// countingReader counts the uploaded bytes and stops an upload when the context is done.
type countingReader struct {
	ctx context.Context
	r   io.Reader
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
