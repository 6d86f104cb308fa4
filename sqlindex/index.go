// Package sqlindex stores file records in a SQL database through gorm.
package sqlindex

import (
	"context"
	"sort"
	"strings"
	"time"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// interface check: interf.Index
var _ interf.Index = (*_Index)(nil)

// fileRow is a record in the table file_records. The queried fields are columns,
// the whole record is kept as JSON.
type fileRow struct {
	ID             string             `gorm:"primaryKey;size:64"`
	Collection     string             `gorm:"index:idx_collection_uploaded;size:255"`
	Name           string             `gorm:"index"`
	ContentType    string             `gorm:"size:255"`
	PendingRemoval bool               `gorm:"index"`
	UploadedAt     time.Time          `gorm:"index:idx_collection_uploaded"`
	Record         *interf.FileRecord `gorm:"serializer:json;type:text"`

	// Stores lists the stores with a copy, example: |fs|s3|
	Stores string
}

func (fileRow) TableName() string {
	return "file_records"
}

// @see interf.Index
type _Index struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens a sqlite database. dsn example: file:records.db, ":memory:"
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "open sqlite %s", dsn)
	}

	// sqlite allows one writer; one connection also keeps a ":memory:" database alive
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// New returns a gorm implementation of interf.Index. The table is migrated.
func New(db *gorm.DB, logger *zap.Logger) (interf.Index, error) {
	if db == nil {
		return nil, errors.NotValidf("nil database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&fileRow{}); err != nil {
		return nil, errors.Annotate(err, "migrate file_records")
	}
	return &_Index{
		db:     db,
		logger: logger.Named("sqlindex"),
	}, nil
}

//-----------  IMPLEMENTATION:  @see interf.Index  -------------------------------------------------------------------//

func (idx *_Index) FindOne(ctx context.Context, id string) (*interf.FileRecord, error) {
	var row fileRow
	err := idx.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFoundf("file %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "find file %s", id)
	}
	if row.Record == nil {
		return nil, errors.NotValidf("file %s without record data", id)
	}
	return normalize(row.Record), nil
}

// Find selects by the columns and checks every result with Filter.Match.
func (idx *_Index) Find(ctx context.Context, filter interf.Filter) ([]*interf.FileRecord, error) {
	tx := idx.db.WithContext(ctx).Model(&fileRow{})
	if filter.Collection != "" {
		tx = tx.Where("collection = ?", filter.Collection)
	}
	if filter.Name != "" {
		tx = tx.Where("name = ?", filter.Name)
	}
	if filter.StoredIn != "" {
		tx = tx.Where(`stores LIKE ? ESCAPE '\'`, storeToken(filter.StoredIn))
	}
	if filter.MissingIn != "" {
		tx = tx.Where(`stores NOT LIKE ? ESCAPE '\'`, storeToken(filter.MissingIn))
	}
	if filter.PendingRemoval != nil {
		tx = tx.Where("pending_removal = ?", *filter.PendingRemoval)
	}

	var rows []fileRow
	if err := tx.Order("uploaded_at, id").Find(&rows).Error; err != nil {
		return nil, errors.Annotate(err, "find files")
	}

	list := make([]*interf.FileRecord, 0, len(rows))
	for _, row := range rows {
		if row.Record == nil {
			continue
		}
		if rec := normalize(row.Record); filter.Match(rec) {
			list = append(list, rec)
		}
	}
	impl.SortRecords(list)
	return list, nil
}

func (idx *_Index) Upsert(ctx context.Context, rec *interf.FileRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.NotValidf("record without id")
	}
	row := toRow(rec)
	err := idx.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return errors.Annotatef(err, "save file %s", rec.ID)
	}
	idx.logger.Debug("record saved", zap.String("id", rec.ID))
	return nil
}

func (idx *_Index) Delete(ctx context.Context, id string) error {
	if err := idx.db.WithContext(ctx).Where("id = ?", id).Delete(&fileRow{}).Error; err != nil {
		return errors.Annotatef(err, "delete file %s", id)
	}
	idx.logger.Debug("record deleted", zap.String("id", id))
	return nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func toRow(rec *interf.FileRecord) fileRow {
	stores := make([]string, 0, len(rec.Copies))
	for name := range rec.Copies {
		stores = append(stores, name)
	}
	sort.Strings(stores)

	return fileRow{
		ID:             rec.ID,
		Collection:     rec.Collection,
		Name:           rec.Original.Name,
		ContentType:    strings.ToLower(rec.Original.Type),
		Stores:         "|" + strings.Join(stores, "|") + "|",
		PendingRemoval: rec.PendingRemoval,
		UploadedAt:     rec.UploadedAt.UTC(),
		Record:         rec.Clone(),
	}
}

// storeToken is the LIKE pattern of a store name in fileRow.Stores.
func storeToken(store string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return "%|" + r.Replace(store) + "|%"
}

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
