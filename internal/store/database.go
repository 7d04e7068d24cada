package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// KVRecord is the GORM model backing the database Store: one row per key.
type KVRecord struct {
	Key       string `gorm:"primaryKey;size:191"`
	Value     []byte `gorm:"type:blob"`
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name stable across dialects.
func (KVRecord) TableName() string { return "thread_contexts" }

// DatabaseStore persists keys in a relational database through GORM.
// DSNs of the form "file.db" or ":memory:" select SQLite; anything with a
// "tcp(" host section selects MySQL.
type DatabaseStore struct {
	db *gorm.DB
}

// OpenDatabase connects to the DSN, migrates the KV table, and returns the
// backend.
func OpenDatabase(dsn string) (*DatabaseStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: database backend: dsn is required")
	}
	dialector := sqlite.Open(dsn)
	if strings.Contains(dsn, "tcp(") || strings.Contains(dsn, "@") {
		dialector = mysql.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: database backend: connect: %w", err)
	}
	if err := db.AutoMigrate(&KVRecord{}); err != nil {
		return nil, fmt.Errorf("store: database backend: migrate: %w", err)
	}
	return &DatabaseStore{db: db}, nil
}

// NewDatabaseStore wraps an already-open GORM handle (used by tests).
func NewDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database backend: db is required")
	}
	if err := db.AutoMigrate(&KVRecord{}); err != nil {
		return nil, fmt.Errorf("store: database backend: migrate: %w", err)
	}
	return &DatabaseStore{db: db}, nil
}

// Get reads a row, treating rows past their expiry as absent.
func (d *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rec KVRecord
	err := d.db.WithContext(ctx).First(&rec, "`key` = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: database backend: get %s: %w", key, err)
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		d.db.WithContext(ctx).Delete(&KVRecord{}, "`key` = ?", key)
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Set upserts the row for key.
func (d *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := KVRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		rec.ExpiresAt = &exp
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store: database backend: set %s: %w", key, err)
	}
	return nil
}

// Delete removes the row for key; absence is not an error.
func (d *DatabaseStore) Delete(ctx context.Context, key string) error {
	if err := d.db.WithContext(ctx).Delete(&KVRecord{}, "`key` = ?", key).Error; err != nil {
		return fmt.Errorf("store: database backend: delete %s: %w", key, err)
	}
	return nil
}

// Sweep deletes all expired rows and returns the count.
func (d *DatabaseStore) Sweep(ctx context.Context) (int, error) {
	res := d.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Delete(&KVRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: database backend: sweep: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
