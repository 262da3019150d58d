// Package store persists captured credentials and records in SQLite.
package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"session-capture-proxy/pkg/extract"
	"session-capture-proxy/pkg/types"
)

// CredentialRow is one captured credential.
type CredentialRow struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index;size:36"`
	Host       string `gorm:"index"`
	Path       string
	Value      string
	HasKey     bool
	HasToken   bool
	CapturedAt time.Time `gorm:"index"`
}

func (CredentialRow) TableName() string { return "credentials" }

// RecordRow is one captured record, unique by its key.
type RecordRow struct {
	ID          uint   `gorm:"primaryKey"`
	RecordKey   string `gorm:"uniqueIndex;not null"`
	RecordID    string
	Idx         int
	Title       string
	Digest      string
	URL         string
	Cover       string
	Author      string
	SourceURL   string
	Label       string `gorm:"index"`
	SessionID   string `gorm:"size:36"`
	PublishedAt time.Time
	CapturedAt  time.Time
}

func (RecordRow) TableName() string { return "records" }

// Store wraps the database.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.NewStorageError("failed to create database directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: NewGormLogger(logger.With("component", "store")),
	})
	if err != nil {
		return nil, types.NewStorageError("failed to open database", err).WithContext("path", path)
	}
	if err := db.AutoMigrate(&CredentialRow{}, &RecordRow{}); err != nil {
		return nil, types.NewStorageError("failed to migrate database", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveCredential appends a credential.
func (s *Store) SaveCredential(ctx context.Context, sessionID string, cred *types.Credential) error {
	row := CredentialRow{
		SessionID:  sessionID,
		Host:       cred.Host,
		Path:       cred.Path,
		Value:      cred.String(),
		HasKey:     cred.HasKey,
		HasToken:   cred.HasToken,
		CapturedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.NewStorageError("failed to save credential", err)
	}
	return nil
}

// LatestCredential returns the most recent credential for host.
func (s *Store) LatestCredential(ctx context.Context, host string) (*types.Credential, error) {
	var row CredentialRow
	err := s.db.WithContext(ctx).Where("host = ?", host).Order("captured_at DESC, id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("failed to load credential", err)
	}
	return &types.Credential{
		Fields:   extract.ParseCookieHeader(row.Value),
		HasKey:   row.HasKey,
		HasToken: row.HasToken,
		Host:     row.Host,
		Path:     row.Path,
	}, nil
}

// SaveRecords inserts records not stored yet and returns how many were new.
func (s *Store) SaveRecords(ctx context.Context, sessionID, label string, records []types.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := time.Now()
	rows := make([]RecordRow, 0, len(records))
	for _, r := range records {
		if r.Key() == "" {
			continue
		}
		rows = append(rows, RecordRow{
			RecordKey:   r.Key(),
			RecordID:    r.ID,
			Idx:         r.Index,
			Title:       r.Title,
			Digest:      r.Digest,
			URL:         r.URL,
			Cover:       r.Cover,
			Author:      r.Author,
			SourceURL:   r.SourceURL,
			Label:       label,
			SessionID:   sessionID,
			PublishedAt: r.PublishedAt,
			CapturedAt:  now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "record_key"}}, DoNothing: true}).
		CreateInBatches(&rows, 100)
	if result.Error != nil {
		return 0, types.NewStorageError("failed to save records", result.Error)
	}
	return result.RowsAffected, nil
}

// Records returns stored records, optionally filtered by label, in
// insertion order.
func (s *Store) Records(ctx context.Context, label string) ([]types.Record, error) {
	var rows []RecordRow
	q := s.db.WithContext(ctx).Order("id ASC")
	if label != "" {
		q = q.Where("label = ?", label)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewStorageError("failed to load records", err)
	}

	records := make([]types.Record, len(rows))
	for i, row := range rows {
		records[i] = types.Record{
			ID:          row.RecordID,
			Index:       row.Idx,
			Title:       row.Title,
			Digest:      row.Digest,
			URL:         row.URL,
			Cover:       row.Cover,
			Author:      row.Author,
			SourceURL:   row.SourceURL,
			PublishedAt: row.PublishedAt,
		}
	}
	return records, nil
}
