package registry

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/did-method-plc/go-diddoc"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// documentDB wraps diddoc.Document to provide SQL Scanner/Valuer for GORM storage.
type documentDB diddoc.Document

func (d documentDB) Value() (driver.Value, error) {
	return json.Marshal((*diddoc.Document)(&d))
}

// stored as an opaque JSON blob, never as columns
func (documentDB) GormDataType() string {
	return "bytes"
}

func (d *documentDB) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for documentDB: %T", value)
	}
	return json.Unmarshal(bytes, (*diddoc.Document)(d))
}

// DocumentRecord is the current document for a DID
type DocumentRecord struct {
	DID       string     `gorm:"column:did;primaryKey"`
	Seq       int64      `gorm:"column:seq;not null;uniqueIndex"`
	CID       string     `gorm:"column:cid;not null"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	DocData   documentDB `gorm:"column:doc_data;not null"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

// ServiceRecord indexes the services of each current document by type
type ServiceRecord struct {
	DID       string `gorm:"column:did;primaryKey"`
	ServiceID string `gorm:"column:service_id;primaryKey"`
	Type      string `gorm:"column:type;not null;index"`
	Endpoint  string `gorm:"column:endpoint;not null"`
	CID       string `gorm:"column:cid;not null"`
}

func (ServiceRecord) TableName() string {
	return "services"
}

// SeqCounter is a single row holding the last assigned seq. Committers lock it
// for the length of their transaction, so seqs are handed out in commit order.
type SeqCounter struct {
	ID  int   `gorm:"primaryKey;autoIncrement:false"`
	Seq int64 `gorm:"not null"`
}

const seqCounterID = 1

// for tracking the mirror cursor
type HostCursor struct {
	Host string `gorm:"primaryKey"`
	Seq  int64  `gorm:"not null"`
}

// GormDocumentStore implements diddoc.DocumentStore using a database backend
type GormDocumentStore struct {
	db *gorm.DB
}

var _ diddoc.DocumentStore = (*GormDocumentStore)(nil)

// NewGormDocumentStoreWithDialector creates a new database-backed document store with a custom dialector
func NewGormDocumentStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormDocumentStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "docstore").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&DocumentRecord{}, &ServiceRecord{}, &SeqCounter{}, &HostCursor{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// databases from before the counter existed start from their highest seq
	var maxSeq int64
	if err := db.Model(&DocumentRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&SeqCounter{ID: seqCounterID, Seq: maxSeq}).Error; err != nil {
		return nil, fmt.Errorf("failed to initialize sequence: %w", err)
	}

	return &GormDocumentStore{
		db: db,
	}, nil
}

func NewGormDocumentStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormDocumentStore, error) {
	return NewGormDocumentStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormDocumentStoreWithPostgres(dsn string, logger *slog.Logger) (*GormDocumentStore, error) {
	if _, err := url.Parse(dsn); err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	return NewGormDocumentStoreWithDialector(
		postgres.Open(dsn),
		logger,
	)
}

// NewGormDocumentStore picks a backend based on the URL scheme:
// "postgres://" or "postgresql://" for postgres, "sqlite://<path>" for sqlite.
func NewGormDocumentStore(dbURL string, logger *slog.Logger) (*GormDocumentStore, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return NewGormDocumentStoreWithPostgres(dbURL, logger)
	case "sqlite":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("sqlite URL is missing a path: %s", dbURL)
		}
		return NewGormDocumentStoreWithSqlite(path, logger)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

func (rec *DocumentRecord) entry() *diddoc.DocumentEntry {
	doc := diddoc.Document(rec.DocData)
	return &diddoc.DocumentEntry{
		Seq:       rec.Seq,
		DID:       rec.DID,
		CID:       rec.CID,
		UpdatedAt: rec.UpdatedAt.UTC(),
		Doc:       &doc,
	}
}

// GetDocument implements diddoc.DocumentStore
func (db *GormDocumentStore) GetDocument(ctx context.Context, did string) (*diddoc.DocumentEntry, error) {
	var rec DocumentRecord
	result := db.db.WithContext(ctx).Where("did = ?", did).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil // DID not found
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.entry(), nil
}

// ListDocuments implements diddoc.DocumentStore
func (db *GormDocumentStore) ListDocuments(ctx context.Context, after int64, limit int) ([]*diddoc.DocumentEntry, error) {
	var recs []DocumentRecord
	query := db.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	entries := make([]*diddoc.DocumentEntry, 0, len(recs))
	for i := range recs {
		entries = append(entries, recs[i].entry())
	}
	return entries, nil
}

// CommitDocuments implements diddoc.DocumentStore
func (db *GormDocumentStore) CommitDocuments(ctx context.Context, docs []*diddoc.PreparedDocument) ([]*diddoc.DocumentEntry, error) {
	seen := make(map[string]bool, len(docs))
	for _, prep := range docs {
		if seen[prep.DID] {
			return nil, fmt.Errorf("duplicate DID in batch: %s", prep.DID)
		}
		seen[prep.DID] = true
	}

	entries := make([]*diddoc.DocumentEntry, 0, len(docs))
	err := db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// row lock on postgres, write lock on sqlite; held until commit
		result := tx.Model(&SeqCounter{}).Where("id = ?", seqCounterID).
			Update("seq", gorm.Expr("seq + ?", len(docs)))
		if result.Error != nil {
			return fmt.Errorf("failed to reserve sequence: %w", result.Error)
		} else if result.RowsAffected != 1 {
			return fmt.Errorf("sequence counter row is missing")
		}
		var counter SeqCounter
		if err := tx.Where("id = ?", seqCounterID).Take(&counter).Error; err != nil {
			return fmt.Errorf("failed to read sequence: %w", err)
		}
		maxSeq := counter.Seq - int64(len(docs))

		for _, prep := range docs {
			maxSeq++
			rec := DocumentRecord{
				DID:       prep.DID,
				Seq:       maxSeq,
				CID:       prep.CID,
				UpdatedAt: prep.UpdatedAt.UTC(),
				DocData:   documentDB(*prep.Doc),
			}

			if prep.PrevCID == "" {
				// new DID; a concurrent insert shows up as zero rows affected
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
				if result.Error != nil {
					return fmt.Errorf("failed to create document: %w", result.Error)
				} else if result.RowsAffected != 1 {
					return fmt.Errorf("%w: %s already exists", diddoc.ErrHeadMismatch, prep.DID)
				}
			} else {
				// optimistic locking on the previous CID
				result := tx.Model(&DocumentRecord{}).
					Where("did = ? AND cid = ?", prep.DID, prep.PrevCID).
					Updates(map[string]interface{}{
						"seq":        rec.Seq,
						"cid":        rec.CID,
						"updated_at": rec.UpdatedAt,
						"doc_data":   rec.DocData,
					})
				if result.Error != nil {
					return fmt.Errorf("failed to update document: %w", result.Error)
				} else if result.RowsAffected != 1 {
					return fmt.Errorf("%w: %s", diddoc.ErrHeadMismatch, prep.DID)
				}
			}

			if err := replaceServices(tx, prep); err != nil {
				return err
			}

			entries = append(entries, rec.entry())
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race with a concurrent writer of the same DID
		return nil, fmt.Errorf("%w: %v", diddoc.ErrHeadMismatch, err)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func replaceServices(tx *gorm.DB, prep *diddoc.PreparedDocument) error {
	if err := tx.Where("did = ?", prep.DID).Delete(&ServiceRecord{}).Error; err != nil {
		return fmt.Errorf("failed to clear services: %w", err)
	}
	if len(prep.Doc.Service) == 0 {
		return nil
	}

	recs := make([]ServiceRecord, 0, len(prep.Doc.Service))
	seen := make(map[string]bool, len(prep.Doc.Service))
	for _, svc := range prep.Doc.Service {
		id := svc.ID().String()
		if seen[id] {
			// documents aren't checked for duplicate service ids; index the first one
			continue
		}
		seen[id] = true

		c, err := diddoc.ServiceCID(svc)
		if err != nil {
			return err
		}
		recs = append(recs, ServiceRecord{
			DID:       prep.DID,
			ServiceID: id,
			Type:      svc.Type(),
			Endpoint:  svc.Endpoint(),
			CID:       c.String(),
		})
	}
	if err := tx.Create(&recs).Error; err != nil {
		return fmt.Errorf("failed to index services: %w", err)
	}
	return nil
}

// ListServicesByType returns up to limit indexed services of the given type, ordered by DID.
func (db *GormDocumentStore) ListServicesByType(ctx context.Context, typ string, limit int) ([]ServiceRecord, error) {
	var recs []ServiceRecord
	query := db.db.WithContext(ctx).Where("type = ?", typ).Order("did ASC, service_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return recs, nil
}

func (db *GormDocumentStore) PutCursor(ctx context.Context, host string, seq int64) error {
	// upsert
	result := db.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&HostCursor{
		Host: host,
		Seq:  seq,
	})
	return result.Error
}

// returns 0 if not found (since new hosts should start from 0)
func (db *GormDocumentStore) GetCursor(ctx context.Context, host string) (int64, error) {
	var hostCursor HostCursor
	result := db.db.WithContext(ctx).Where("host = ?", host).Take(&hostCursor)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if result.Error != nil {
		return 0, result.Error
	}
	return hostCursor.Seq, nil
}
