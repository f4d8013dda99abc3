// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package sql stores token cache blobs in a SQL database through GORM. SQLite and
// PostgreSQL are supported.
package sql

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("blob_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("blob_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("blob_store.sqlite.empty_path")
	errUnsupportedNoScheme = errors.New("blob_store.unsupported_no_scheme")
)

type blobRecord struct {
	Key         string `gorm:"column:cache_key;primaryKey"`
	Data        []byte `gorm:"column:data;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (blobRecord) TableName() string {
	return "token_cache_blobs"
}

// Store implements blob.Store on one table.
type Store struct {
	db          *gorm.DB
	driverLabel string
}

var _ blob.Store = (*Store)(nil)

// Open connects to databaseURL and migrates the table. Accepted schemes are postgres,
// postgresql, sqlite and sqlite3, for example "sqlite:/var/lib/app/cache.db".
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("blob_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("blob_store.open.%s: %w", driverLabel, err)
	}
	return New(ctx, db, driverLabel)
}

// New uses an existing connection. driverLabel only appears in errors.
func New(ctx context.Context, db *gorm.DB, driverLabel string) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&blobRecord{}); err != nil {
		return nil, fmt.Errorf("blob_store.migrate.%s: %w", driverLabel, err)
	}
	return &Store{db: db, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (s *Store) Driver() string {
	return s.driverLabel
}

// Close releases the connection pool. The Store can't be used afterwards.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("blob_store.close.%s: %w", s.driverLabel, err)
	}
	return sqlDB.Close()
}

// Read implements blob.Store.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	var record blobRecord
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("blob_store.read.%s: %w", s.driverLabel, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob_store.read.%s: %w", s.driverLabel, err)
	}
	return record.Data, nil
}

// Write implements blob.Store.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	record := blobRecord{Key: key, Data: data, UpdatedUnix: time.Now().UTC().Unix()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("blob_store.write.%s: %w", s.driverLabel, err)
	}
	return nil
}

// Delete implements blob.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&blobRecord{}).Error; err != nil {
		return fmt.Errorf("blob_store.delete.%s: %w", s.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("blob_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("blob_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, err := sqliteDSN(parsed)
		if err != nil {
			return nil, "", fmt.Errorf("blob_store.sqlite: %w", err)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("blob_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

// sqliteDSN accepts sqlite:path, sqlite:///path and sqlite://host/path forms.
func sqliteDSN(parsed *url.URL) (string, error) {
	var b strings.Builder
	switch {
	case parsed.Opaque != "":
		b.WriteString(parsed.Opaque)
	case parsed.Host != "":
		b.WriteString(parsed.Host)
		if parsed.Path != "" && !strings.HasPrefix(parsed.Path, "/") {
			b.WriteString("/")
		}
		b.WriteString(parsed.Path)
	default:
		b.WriteString(parsed.Path)
	}
	if b.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(parsed.RawQuery)
	}
	return b.String(), nil
}
