// Package gridfs is the chunked-blob backend on MongoDB GridFS.
// A copy is one GridFS file, its key is the GridFS filename.
package gridfs

import (
	"context"
	"io"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// interface check: interf.Store and interf.RangeReader
var _ interf.Store = (*_Store)(nil)
var _ interf.RangeReader = (*_Store)(nil)

// Options of a GridFS store.
type Options struct {
	Bucket    string // bucket name (default: fs)
	ChunkSize int32  // default: interf.DefaultChunkSize
}

// @see interf.Store
//
// Chunks are written first and the files document last, so a copy is invisible until
// the upload is complete. A failed upload removes its chunks.
// An overwrite uploads a new revision and then deletes the older ones.
type _Store struct {
	name   string
	db     *mongo.Database
	opts   Options
	logger *zap.Logger
}

// New return the GridFS implementation of interf.Store on the database db.
func New(name string, db *mongo.Database, opts Options, logger *zap.Logger) (interf.Store, error) {
	if name == "" || db == nil {
		return nil, errors.NotValidf("gridfs store with name=%q or db=nil", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Bucket == "" {
		opts.Bucket = options.DefaultName
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = interf.DefaultChunkSize
	}
	return &_Store{
		name:   name,
		db:     db,
		opts:   opts,
		logger: logger.Named("store."+name).With(zap.String("bucket", opts.Bucket)),
	}, nil
}

//-----------  IMPLEMENTATION:  @see interf.Store  -------------------------------------------------------------------//

func (s *_Store) Name() string {
	return s.name
}

func (s *_Store) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	if key == "" || r == nil || rec == nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.NotValidf("empty key, nil reader or record"))
	}
	b, err := s.bucket(ctx)
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, err)
	}

	meta := bson.D{
		{Key: "name", Value: rec.Original.Name},
		{Key: "type", Value: rec.Original.Type},
		{Key: "record", Value: rec.ID},
	}
	us, err := b.OpenUploadStream(key, options.GridFSUpload().SetMetadata(meta))
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(err, "open upload %s", key))
	}

	n, err := io.Copy(us, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = us.Close() // inserts the files document
	}
	if err != nil {
		_ = us.Abort() // delete written chunks
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(err, "upload %s", key))
	}

	// drop older revisions
	if err := s.deleteRevisions(ctx, b, key, us.FileID); err != nil {
		s.logger.Warn("old revisions not removed", zap.String("key", key), zap.Error(err))
	}

	now := time.Now().UTC()
	s.logger.Debug("copy written", zap.String("key", key), zap.Int64("size", n))
	return interf.CopyInfo{
		Key:       key,
		Name:      rec.Original.Name,
		Size:      n,
		Type:      rec.Original.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *_Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.ReadRange(ctx, key, 0)
}

// ReadRange opens the latest revision. The offset is reached by skipping chunks.
func (s *_Store) ReadRange(ctx context.Context, key string, off int64) (io.ReadCloser, error) {
	b, err := s.bucket(ctx)
	if err != nil {
		return nil, s.fail(interf.OpRead, err)
	}

	ds, err := b.OpenDownloadStreamByName(key)
	if err != nil {
		return nil, s.fail(interf.OpRead, errors.Annotatef(err, "open %s", key))
	}
	if off > 0 {
		if _, err := ds.Skip(off); err != nil {
			_ = ds.Close()
			return nil, s.fail(interf.OpRead, errors.Annotatef(err, "skip %d bytes of %s", off, key))
		}
	}
	return &_DownloadStream{ctx: ctx, ds: ds}, nil
}

// Remove deletes all revisions of the key.
func (s *_Store) Remove(ctx context.Context, key string) error {
	b, err := s.bucket(ctx)
	if err != nil {
		return s.fail(interf.OpRemove, err)
	}
	if err := s.deleteRevisions(ctx, b, key, nil); err != nil {
		return s.fail(interf.OpRemove, err)
	}
	s.logger.Debug("copy removed", zap.String("key", key))
	return nil
}

func (s *_Store) Exists(ctx context.Context, key string) (bool, error) {
	b, err := s.bucket(ctx)
	if err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	cur, err := b.Find(bson.M{"filename": key}, options.GridFSFind().SetLimit(1))
	if err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	defer cur.Close(ctx)

	ok := cur.Next(ctx)
	if err := cur.Err(); err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	return ok, nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// bucket returns a new bucket for one operation.
// A Bucket holds the deadlines of its operations and can't be shared.
func (s *_Store) bucket(ctx context.Context) (*gridfs.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(s.opts.Bucket).SetChunkSizeBytes(s.opts.ChunkSize))
	if err != nil {
		return nil, errors.Annotate(err, "gridfs bucket")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = b.SetWriteDeadline(dl)
		_ = b.SetReadDeadline(dl)
	}
	return b, nil
}

// deleteRevisions deletes all files with the filename key, except keep (can be nil).
func (s *_Store) deleteRevisions(ctx context.Context, b *gridfs.Bucket, key string, keep interface{}) error {
	filter := bson.M{"filename": key}
	if keep != nil {
		filter["_id"] = bson.M{"$ne": keep}
	}
	cur, err := b.Find(filter)
	if err != nil {
		return errors.Trace(err)
	}

	var ids []primitive.ObjectID
	for cur.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			_ = cur.Close(ctx)
			return errors.Trace(err)
		}
		ids = append(ids, doc.ID)
	}
	err = cur.Err()
	_ = cur.Close(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	for _, id := range ids {
		if err := b.Delete(id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return errors.Annotatef(err, "delete revision %s", id.Hex())
		}
	}
	return nil
}

func (s *_Store) fail(op string, err error) error {
	return interf.NewStoreError(s.name, op, Classify(err), err)
}

// MongoDB error codes
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// Classify maps MongoDB and GridFS errors to store error kinds.
func Classify(err error) interf.ErrorKind {
	var se mongo.ServerError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, gridfs.ErrFileNotFound), errors.Is(err, mongo.ErrNoDocuments):
		return interf.KindNotFound
	case errors.Is(err, errors.NotValid), errors.Is(err, context.Canceled):
		return interf.KindPermanent
	case errors.As(err, &se) && (se.HasErrorCode(codeAuthenticationFailed) || se.HasErrorCode(codeUnauthorized)):
		return interf.KindAuth
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, context.DeadlineExceeded):
		return interf.KindTransient
	case errors.As(err, &se) && (se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")):
		return interf.KindTransient
	case errors.Is(err, gridfs.ErrWrongIndex), errors.Is(err, gridfs.ErrWrongSize), errors.Is(err, gridfs.ErrMissingChunkSize):
		return interf.KindIO
	case errors.As(err, &se):
		return interf.KindPermanent
	default:
		return interf.KindIO
	}
}

// ------------------------------------------------------------------------------------------------------------------ //

// _DownloadStream stops reading when the context is done.
type _DownloadStream struct {
	ctx context.Context
	ds  *gridfs.DownloadStream
}

func (d *_DownloadStream) Read(p []byte) (int, error) {
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	return d.ds.Read(p)
}

func (d *_DownloadStream) Close() error {
	return d.ds.Close()
}

// ctxReader stops an upload when the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
