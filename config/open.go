package config

import (
	"context"
	"strings"

	"github.com/SchnorcherSepp/collectionfs/collection"
	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	"github.com/SchnorcherSepp/collectionfs/filesystem"
	"github.com/SchnorcherSepp/collectionfs/gdrive"
	"github.com/SchnorcherSepp/collectionfs/gridfs"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/SchnorcherSepp/collectionfs/mongoindex"
	"github.com/SchnorcherSepp/collectionfs/policy"
	"github.com/SchnorcherSepp/collectionfs/s3"
	"github.com/SchnorcherSepp/collectionfs/sqlindex"
	"github.com/SchnorcherSepp/collectionfs/transform"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Instance is an opened collection together with the connections it owns.
type Instance struct {
	interf.Collection

	closers []func(ctx context.Context) error
	mongo   map[string]*mongo.Client // by url
	logger  *zap.Logger
}

// Open connects all backends of the definition and returns the collection.
// Close releases the connections (mongo clients, sqlite handle).
func Open(ctx context.Context, def *Definition, logger *zap.Logger, reg prometheus.Registerer) (*Instance, error) {
	if def == nil {
		return nil, errors.NotValidf("nil definition")
	}
	if err := def.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	inst := &Instance{
		mongo:  make(map[string]*mongo.Client),
		logger: logger.Named("config"),
	}
	coll, err := inst.open(ctx, def, logger, reg)
	if err != nil {
		_ = inst.Close(context.WithoutCancel(ctx))
		return nil, errors.Trace(err)
	}
	inst.Collection = coll
	return inst, nil
}

// Close releases the backends in reverse order of opening.
func (inst *Instance) Close(ctx context.Context) error {
	var first error
	for i := len(inst.closers) - 1; i >= 0; i-- {
		if err := inst.closers[i](ctx); err != nil {
			inst.logger.Warn("close backend", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	inst.closers = nil
	return first
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func (inst *Instance) open(ctx context.Context, def *Definition, logger *zap.Logger, reg prometheus.Registerer) (interf.Collection, error) {
	spoolMem, _ := parseSize(def.Spool.Memory)
	maxSize, _ := parseSize(def.Policy.MaxSize)

	index, err := inst.index(ctx, def, logger)
	if err != nil {
		return nil, errors.Annotate(err, "index")
	}

	stores := make([]collection.StoreConfig, 0, len(def.Stores))
	for _, sd := range def.Stores {
		sc, err := inst.store(ctx, sd, logger)
		if err != nil {
			return nil, errors.Annotatef(err, "store %q", sd.Name)
		}
		stores = append(stores, sc)
	}

	var cache interf.Cache
	if def.CacheMB > 0 {
		cache = impl.NewCache(def.CacheMB)
	}

	policyLog := logger.Named("policy").With(zap.String("collection", def.Name))
	return collection.New(collection.Options{
		Name:   def.Name,
		Stores: stores,
		Policy: &policy.Policy{
			MaxSize: maxSize,
			Allow:   def.Policy.Allow,
			Deny:    def.Policy.Deny,
			OnInvalid: func(msg string) {
				policyLog.Info("file rejected", zap.String("reason", msg))
			},
		},
		Index:       index,
		BaseURL:     def.BaseURL,
		SpoolDir:    def.Spool.Dir,
		SpoolMemory: spoolMem,
		Concurrency: def.Concurrency,
		Cache:       cache,
		Logger:      logger,
		Registerer:  reg,
	})
}

func (inst *Instance) index(ctx context.Context, def *Definition, logger *zap.Logger) (interf.Index, error) {
	switch def.Index.Kind {
	case IndexMongo:
		client, err := inst.mongoClient(ctx, def.Index.URL)
		if err != nil {
			return nil, errors.Trace(err)
		}
		name := def.Index.Collection
		if name == "" {
			name = def.Name
		}
		return mongoindex.New(ctx, client.Database(def.Index.Database).Collection(name), logger)

	case IndexSQLite:
		db, err := sqlindex.Open(def.Index.DSN)
		if err != nil {
			return nil, errors.Trace(err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Trace(err)
		}
		inst.closers = append(inst.closers, func(context.Context) error { return sqlDB.Close() })
		return sqlindex.New(db, logger)

	default:
		return impl.NewMemoryIndex(def.Index.Snapshot, logger)
	}
}

func (inst *Instance) store(ctx context.Context, sd *StoreDef, logger *zap.Logger) (collection.StoreConfig, error) {
	var (
		store interf.Store
		err   error
	)
	switch sd.Kind {
	case KindFilesystem:
		store, err = filesystem.New(sd.Name, sd.Path, logger)

	case KindS3:
		partSize, _ := parseSize(sd.S3.PartSize)
		threshold, _ := parseSize(sd.S3.MultipartThreshold)
		store, err = s3.New(sd.Name, s3.Options{
			Endpoint:           sd.S3.Endpoint,
			AccessKeyID:        sd.S3.AccessKeyID,
			SecretAccessKey:    sd.S3.SecretAccessKey,
			SessionToken:       sd.S3.SessionToken,
			Bucket:             sd.S3.Bucket,
			Region:             sd.S3.Region,
			ACL:                sd.S3.ACL,
			Folder:             sd.S3.Folder,
			Secure:             sd.S3.Secure,
			PartSize:           uint64(partSize),
			MultipartThreshold: threshold,
		}, logger)
		if err == nil && sd.S3.CreateBucket {
			err = s3.EnsureBucket(ctx, store)
		}

	case KindGridFS:
		client, cerr := inst.mongoClient(ctx, sd.GridFS.URL)
		if cerr != nil {
			return collection.StoreConfig{}, errors.Trace(cerr)
		}
		chunk, _ := parseSize(sd.GridFS.ChunkSize)
		store, err = gridfs.New(sd.Name, client.Database(sd.GridFS.Database), gridfs.Options{
			Bucket:    sd.GridFS.Bucket,
			ChunkSize: int32(chunk),
		}, logger)

	case KindGDrive:
		ts, terr := gdrive.TokenSource(ctx, sd.GDrive.Credentials, sd.GDrive.Token, false)
		if terr != nil {
			return collection.StoreConfig{}, errors.Trace(terr)
		}
		store, err = gdrive.New(ctx, sd.Name, ts, gdrive.Options{
			FolderID:  sd.GDrive.Folder,
			CacheFile: sd.GDrive.CacheFile,
		}, logger)

	default:
		err = errors.NotValidf("store kind %q", sd.Kind)
	}
	if err != nil {
		return collection.StoreConfig{}, errors.Trace(err)
	}

	chain, err := Transforms(sd.Transforms)
	if err != nil {
		return collection.StoreConfig{}, errors.Trace(err)
	}

	return collection.StoreConfig{
		Store:          store,
		KeyMaker:       KeyPrefix(sd.KeyPrefix),
		Transforms:     chain,
		MaxTries:       sd.MaxTries,
		Delay:          sd.Delay,
		Timeout:        sd.Timeout,
		AllowOverwrite: sd.AllowOverwrite,
	}, nil
}

// mongoClient connects once per url; index and gridfs stores share the client.
func (inst *Instance) mongoClient(ctx context.Context, url string) (*mongo.Client, error) {
	if c, ok := inst.mongo[url]; ok {
		return c, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, errors.Annotate(err, "connect mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Annotate(err, "ping mongodb")
	}
	inst.mongo[url] = client
	inst.closers = append(inst.closers, client.Disconnect)
	return client, nil
}

// Transforms builds the chain of a store definition.
func Transforms(defs []TransformDef) (transform.Chain, error) {
	var chain transform.Chain
	for _, t := range defs {
		key, err := t.key()
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch t.Kind {
		case TransformZstd:
			chain = append(chain, transform.Zstd())
		case TransformGzip:
			chain = append(chain, transform.Gzip())
		case TransformXChaCha20:
			p, err := transform.XChaCha20(key)
			if err != nil {
				return nil, errors.Trace(err)
			}
			chain = append(chain, p)
		}
	}
	return chain, nil
}

// KeyPrefix returns a key maker that puts prefix in front of impl.DefaultKey.
// An empty prefix returns nil (the collection default).
func KeyPrefix(prefix string) impl.KeyMaker {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return nil
	}
	return func(rec *interf.FileRecord, store string) string {
		return prefix + "/" + impl.DefaultKey(rec, store)
	}
}
