package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hearth/internal/config"
	"hearth/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormLogger routes GORM logs through slog and ignores ErrRecordNotFound.
type GormLogger struct {
	logger *slog.Logger
	Config logger.Config
}

// NewGormLogger returns a GormLogger at warn level with a 200ms slow-query threshold.
func NewGormLogger() *GormLogger {
	return &GormLogger{
		logger: observability.GlobalLogger.Logger,
		Config: logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	}
}

// LogMode sets the logging level and returns a new interface instance.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	next := *l
	next.Config.LogLevel = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace logs failed and slow statements.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Config.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.Config.LogLevel >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.ErrorContext(ctx, "docstore sql error",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case l.Config.SlowThreshold != 0 && elapsed > l.Config.SlowThreshold && l.Config.LogLevel >= logger.Warn:
		l.logger.WarnContext(ctx, "docstore slow query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	case l.Config.LogLevel >= logger.Info:
		l.logger.InfoContext(ctx, "docstore query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

// OpenGorm connects to the SQL database selected by cfg.DocStoreDriver.
func OpenGorm(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DocStoreDriver {
	case config.DriverSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case config.DriverPostgres:
	default:
		return nil, fmt.Errorf("docstore driver %q is not SQL backed", cfg.DocStoreDriver)
	}

	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: NewGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}
	return db, nil
}

// OpenSQLite opens a sqlite database. ":memory:" databases are pinned to a
// single connection so every query sees the same data.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: NewGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

type documentRow struct {
	Collection string `gorm:"primaryKey;size:64"`
	ID         string `gorm:"primaryKey;size:191"`
	Data       string `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

// GormStore keeps every collection in one SQL table of JSON documents.
// Filters, ordering and limits are evaluated in process after loading the collection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the documents table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	ctx, span := observability.StartDocSpan(ctx, "sql", "get", collection)
	doc, err := getRow(s.db.WithContext(ctx), collection, id)
	observability.EndSpan(span, ignoreNotFound(err))
	return doc, err
}

func getRow(tx *gorm.DB, collection, id string) (*Document, error) {
	var row documentRow
	err := tx.Where("collection = ? AND id = ?", collection, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRow(row)
}

func decodeRow(row documentRow) (*Document, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", row.Collection, row.ID, err)
	}
	return &Document{ID: row.ID, Data: data}, nil
}

func putRow(tx *gorm.DB, collection, id string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	row := documentRow{Collection: collection, ID: id, Data: string(raw)}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ctx, span := observability.StartDocSpan(ctx, "sql", "set", collection)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyWrite(tx, Write{Kind: WriteSet, Collection: collection, ID: id, Data: data, Merge: merge})
	})
	observability.EndSpan(span, err)
	return err
}

func (s *GormStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	ctx, span := observability.StartDocSpan(ctx, "sql", "update", collection)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyWrite(tx, Write{Kind: WriteUpdate, Collection: collection, ID: id, Data: fields})
	})
	observability.EndSpan(span, ignoreNotFound(err))
	return err
}

func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	ctx, span := observability.StartDocSpan(ctx, "sql", "delete", collection)
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&documentRow{}).Error
	observability.EndSpan(span, err)
	return err
}

func (s *GormStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	ctx, span := observability.StartDocSpan(ctx, "sql", "query", collection)
	var rows []documentRow
	err := s.db.WithContext(ctx).Where("collection = ?", collection).Find(&rows).Error
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeRow(row)
		if err != nil {
			observability.EndSpan(span, err)
			return nil, err
		}
		docs = append(docs, *doc)
	}
	observability.EndSpan(span, nil)
	return evaluate(docs, q), nil
}

// Commit applies writes in one SQL transaction.
func (s *GormStore) Commit(ctx context.Context, writes []Write) error {
	ctx, span := observability.StartDocSpan(ctx, "sql", "commit", "")
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range writes {
			if err := applyWrite(tx, w); err != nil {
				return err
			}
		}
		return nil
	})
	observability.EndSpan(span, err)
	return err
}

func applyWrite(tx *gorm.DB, w Write) error {
	if err := validateWrite(w); err != nil {
		return err
	}
	switch w.Kind {
	case WriteDelete:
		return tx.Where("collection = ? AND id = ?", w.Collection, w.ID).Delete(&documentRow{}).Error
	case WriteUpdate:
		cur, err := getRow(tx, w.Collection, w.ID)
		if err != nil {
			return err
		}
		return putRow(tx, w.Collection, w.ID, applyFields(cur.Data, w.Data))
	default:
		if !w.Merge {
			return putRow(tx, w.Collection, w.ID, stripTransforms(w.Data))
		}
		cur, err := getRow(tx, w.Collection, w.ID)
		if errors.Is(err, ErrNotFound) {
			return putRow(tx, w.Collection, w.ID, stripTransforms(w.Data))
		}
		if err != nil {
			return err
		}
		return putRow(tx, w.Collection, w.ID, applyFields(cur.Data, w.Data))
	}
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
