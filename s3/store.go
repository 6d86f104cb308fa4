// Package s3 is the S3-compatible object storage backend (AWS S3, MinIO, ...).
package s3

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// interface check: interf.Store and interf.RangeReader
var _ interf.Store = (*_Store)(nil)
var _ interf.RangeReader = (*_Store)(nil)

// DefaultMultipartThreshold is the largest stream that is sent with a single PutObject.
const DefaultMultipartThreshold = 16 * 1024 * 1024 // 16 MiB

// DefaultPartSize is the part size of multipart uploads.
const DefaultPartSize = 16 * 1024 * 1024 // 16 MiB

// minPartSize is the smallest part S3 accepts (except the last one).
const minPartSize = 5 * 1024 * 1024 // 5 MiB

// Options are the connection parameters of a S3 store.
type Options struct {
	Endpoint        string // host[:port] without scheme, example: s3.eu-central-1.amazonaws.com
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // optional
	Bucket          string
	Region          string // optional
	ACL             string // canned ACL (x-amz-acl), example: private
	Folder          string // key prefix
	Secure          bool   // https

	PartSize           uint64 // multipart part size
	MultipartThreshold int64  // bytes up to this size are sent in one request
}

// @see interf.Store
type _Store struct {
	name   string
	client *minio.Client
	opts   Options
	logger *zap.Logger
}

// New return the S3 implementation of interf.Store.
// No request is sent; use EnsureBucket to check or create the bucket.
func New(name string, opts Options, logger *zap.Logger) (interf.Store, error) {
	if name == "" || opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.NotValidf("s3 store with name=%q, endpoint=%q and bucket=%q", name, opts.Endpoint, opts.Bucket)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PartSize < minPartSize {
		opts.PartSize = DefaultPartSize
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = DefaultMultipartThreshold
	}
	opts.Folder = strings.Trim(opts.Folder, "/")

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "init s3 client for %s", opts.Endpoint)
	}

	logger = logger.Named("store."+name).With(zap.String("bucket", opts.Bucket))
	logger.Info("s3 client initialized", zap.String("endpoint", opts.Endpoint))

	return &_Store{
		name:   name,
		client: client,
		opts:   opts,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket of a S3 store if it doesn't exist.
func EnsureBucket(ctx context.Context, store interf.Store) error {
	s, ok := store.(*_Store)
	if !ok {
		return errors.NotValidf("store %q is no s3 store", store.Name())
	}

	exists, err := s.client.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return s.fail(interf.OpExists, errors.Annotatef(err, "check bucket %s", s.opts.Bucket))
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.opts.Bucket, minio.MakeBucketOptions{Region: s.opts.Region}); err != nil {
		return s.fail(interf.OpWrite, errors.Annotatef(err, "create bucket %s", s.opts.Bucket))
	}
	s.logger.Info("bucket created")
	return nil
}

//-----------  IMPLEMENTATION:  @see interf.Store  -------------------------------------------------------------------//

func (s *_Store) Name() string {
	return s.name
}

// Write sends small streams in one PutObject with a known size.
// Larger streams are uploaded in parts; the object only appears when the upload is completed.
func (s *_Store) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	object, err := s.object(key)
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, err)
	}
	if r == nil || rec == nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.NotValidf("nil reader or record"))
	}

	opts := minio.PutObjectOptions{
		ContentType:  rec.Original.Type,
		UserMetadata: map[string]string{"Filename": url.PathEscape(rec.Original.Name)},
		PartSize:     s.opts.PartSize,
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	if s.opts.ACL != "" {
		opts.UserMetadata["x-amz-acl"] = s.opts.ACL
	}

	// read up to the threshold
	head, err := io.ReadAll(io.LimitReader(r, s.opts.MultipartThreshold+1))
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotate(err, "read stream"))
	}

	var info minio.UploadInfo
	if int64(len(head)) <= s.opts.MultipartThreshold {
		info, err = s.client.PutObject(ctx, s.opts.Bucket, object, bytes.NewReader(head), int64(len(head)), opts)
	} else {
		info, err = s.client.PutObject(ctx, s.opts.Bucket, object, io.MultiReader(bytes.NewReader(head), r), -1, opts)
	}
	if err != nil {
		return interf.CopyInfo{}, s.fail(interf.OpWrite, errors.Annotatef(err, "put %s", object))
	}

	now := time.Now().UTC()
	if !info.LastModified.IsZero() {
		now = info.LastModified.UTC()
	}
	s.logger.Debug("copy written", zap.String("object", object), zap.Int64("size", info.Size))
	return interf.CopyInfo{
		Key:       key,
		Name:      rec.Original.Name,
		Size:      info.Size,
		Type:      rec.Original.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *_Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.ReadRange(ctx, key, 0)
}

func (s *_Store) ReadRange(ctx context.Context, key string, off int64) (io.ReadCloser, error) {
	object, err := s.object(key)
	if err != nil {
		return nil, s.fail(interf.OpRead, err)
	}

	opts := minio.GetObjectOptions{}
	if off > 0 {
		if err := opts.SetRange(off, 0); err != nil {
			return nil, s.fail(interf.OpRead, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.opts.Bucket, object, opts)
	if err != nil {
		return nil, s.fail(interf.OpRead, err)
	}

	// GetObject is lazy: Stat sends the request and reports missing objects now
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if off > 0 && minio.ToErrorResponse(err).Code == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil // offset behind the end
		}
		return nil, s.fail(interf.OpRead, errors.Annotatef(err, "get %s", object))
	}
	return obj, nil
}

// Remove deletes the object. S3 reports no error for missing objects.
func (s *_Store) Remove(ctx context.Context, key string) error {
	object, err := s.object(key)
	if err != nil {
		return s.fail(interf.OpRemove, err)
	}
	if err := s.client.RemoveObject(ctx, s.opts.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if Classify(err) == interf.KindNotFound {
			return nil
		}
		return s.fail(interf.OpRemove, errors.Annotatef(err, "remove %s", object))
	}
	s.logger.Debug("copy removed", zap.String("object", object))
	return nil
}

func (s *_Store) Exists(ctx context.Context, key string) (bool, error) {
	object, err := s.object(key)
	if err != nil {
		return false, s.fail(interf.OpExists, err)
	}
	_, err = s.client.StatObject(ctx, s.opts.Bucket, object, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if Classify(err) == interf.KindNotFound {
		return false, nil
	}
	return false, s.fail(interf.OpExists, err)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// object returns the object name of a key (folder prefix).
func (s *_Store) object(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.NotValidf("empty key")
	}
	if s.opts.Folder == "" {
		return key, nil
	}
	return path.Join(s.opts.Folder, key), nil
}

func (s *_Store) fail(op string, err error) error {
	return interf.NewStoreError(s.name, op, Classify(err), err)
}

// Classify maps S3 and network errors to store error kinds.
func Classify(err error) interf.ErrorKind {
	if err == nil {
		return 0
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code != "" || resp.StatusCode != 0) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchVersion":
			return interf.KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return interf.KindAuth
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "RequestTimeTooSkewed":
			return interf.KindTransient
		}
		switch {
		case resp.StatusCode == 404 && resp.Code == "":
			return interf.KindNotFound
		case resp.StatusCode == 401 || resp.StatusCode == 403:
			return interf.KindAuth
		case resp.StatusCode == 429 || resp.StatusCode == 408 || resp.StatusCode >= 500:
			return interf.KindTransient
		default:
			return interf.KindPermanent
		}
	}

	var netErr net.Error
	switch {
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
