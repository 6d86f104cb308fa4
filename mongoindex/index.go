// Package mongoindex stores file records in a MongoDB collection.
package mongoindex

import (
	"context"
	"regexp"
	"strings"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// interface check: interf.Index
var _ interf.Index = (*_Index)(nil)

// @see interf.Index
type _Index struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// New returns a MongoDB implementation of interf.Index and creates the query indexes.
// One collection can hold the records of several file collections.
func New(ctx context.Context, coll *mongo.Collection, logger *zap.Logger) (interf.Index, error) {
	if coll == nil {
		return nil, errors.NotValidf("nil mongo collection")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "collection", Value: 1}, {Key: "uploadedAt", Value: 1}}},
		{Keys: bson.D{{Key: "collection", Value: 1}, {Key: "original.name", Value: 1}}},
		{Keys: bson.D{{Key: "pendingRemoval", Value: 1}}},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "create indexes on %s", coll.Name())
	}

	return &_Index{
		coll:   coll,
		logger: logger.Named("mongoindex").With(zap.String("coll", coll.Name())),
	}, nil
}

//-----------  IMPLEMENTATION:  @see interf.Index  -------------------------------------------------------------------//

func (idx *_Index) FindOne(ctx context.Context, id string) (*interf.FileRecord, error) {
	rec := new(interf.FileRecord)
	err := idx.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("file %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "find file %s", id)
	}
	return normalize(rec), nil
}

// Find sends the filter to MongoDB and checks every result with Filter.Match
// (content type parameters, metadata keys that can't be queried).
func (idx *_Index) Find(ctx context.Context, filter interf.Filter) ([]*interf.FileRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploadedAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := idx.coll.Find(ctx, query(filter), opts)
	if err != nil {
		return nil, errors.Annotate(err, "find files")
	}
	defer cur.Close(ctx)

	list := make([]*interf.FileRecord, 0)
	for cur.Next(ctx) {
		rec := new(interf.FileRecord)
		if err := cur.Decode(rec); err != nil {
			return nil, errors.Annotate(err, "decode file")
		}
		if filter.Match(normalize(rec)) {
			list = append(list, rec)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Annotate(err, "find files")
	}
	impl.SortRecords(list)
	return list, nil
}

func (idx *_Index) Upsert(ctx context.Context, rec *interf.FileRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.NotValidf("record without id")
	}
	_, err := idx.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Annotatef(err, "save file %s", rec.ID)
	}
	idx.logger.Debug("record saved", zap.String("id", rec.ID))
	return nil
}

func (idx *_Index) Delete(ctx context.Context, id string) error {
	if _, err := idx.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return errors.Annotatef(err, "delete file %s", id)
	}
	idx.logger.Debug("record deleted", zap.String("id", id))
	return nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// query translates a filter. Parts MongoDB can't express exactly are left to Filter.Match.
func query(f interf.Filter) bson.D {
	q := bson.D{}
	if f.Collection != "" {
		q = append(q, bson.E{Key: "collection", Value: f.Collection})
	}
	if f.Name != "" {
		q = append(q, bson.E{Key: "original.name", Value: f.Name})
	}
	if ct := strings.ToLower(strings.TrimSpace(f.ContentType)); ct != "" && ct != "*" && ct != "*/*" {
		var pattern string
		if strings.HasSuffix(ct, "/*") {
			pattern = "^" + regexp.QuoteMeta(strings.TrimSuffix(ct, "*"))
		} else {
			pattern = "^" + regexp.QuoteMeta(ct) + `\s*(;|$)`
		}
		q = append(q, bson.E{Key: "original.type", Value: bson.D{{Key: "$regex", Value: pattern}, {Key: "$options", Value: "i"}}})
	}
	for k, v := range f.Metadata {
		if plainKey(k) {
			q = append(q, bson.E{Key: "metadata." + k, Value: v})
		}
	}
	if plainKey(f.StoredIn) {
		q = append(q, bson.E{Key: "copies." + f.StoredIn, Value: bson.D{{Key: "$exists", Value: true}}})
	}
	if plainKey(f.MissingIn) {
		q = append(q, bson.E{Key: "copies." + f.MissingIn, Value: bson.D{{Key: "$exists", Value: false}}})
	}
	if f.PendingRemoval != nil {
		q = append(q, bson.E{Key: "pendingRemoval", Value: *f.PendingRemoval})
	}
	return q
}

// plainKey reports whether k can be used in a dotted field path.
func plainKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, ".$") && !strings.HasPrefix(k, " ")
}

// normalize replaces nil maps (empty documents are decoded as nil).
func normalize(rec *interf.FileRecord) *interf.FileRecord {
	if rec.Copies == nil {
		rec.Copies = make(map[string]interf.CopyInfo)
	}
	if rec.Failures == nil {
		rec.Failures = make(map[string]interf.CopyFailure)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	return rec
}
