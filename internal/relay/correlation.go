package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/i18n"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CorrelationStore maps relayed copies in the support channel back to the
// user message they came from. Entries are only ever inserted.
type CorrelationStore struct {
	db *gorm.DB
}

// NewCorrelationStore creates a CorrelationStore backed by db.
func NewCorrelationStore(db *gorm.DB) (*CorrelationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("relay: correlation store: db is required")
	}
	return &CorrelationStore{db: db}, nil
}

// Put inserts entry. It returns ErrDuplicateKey, leaving the store
// unchanged, when the relayed message id is already present.
func (s *CorrelationStore) Put(ctx context.Context, entry *models.CorrelationEntry) error {
	if entry == nil || entry.RelayedMessageID == "" {
		return fmt.Errorf("relay: put: relayed message id is required")
	}
	if entry.OriginUserID == "" {
		return fmt.Errorf("relay: put: origin user id is required")
	}
	if entry.OriginChatID == "" {
		entry.OriginChatID = entry.OriginUserID
	}
	if entry.Language == "" {
		entry.Language = i18n.DefaultLanguage
	}

	key := entry.RelayedMessageID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.CorrelationEntry{}).
			Where("relayed_message_id = ?", key).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateKey
		}
		return tx.Create(entry).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateKey), errors.Is(err, gorm.ErrDuplicatedKey):
		entry.ID = 0
		return opError("put", key, ErrDuplicateKey)
	default:
		return storageError("put", key, err)
	}
}

// Resolve returns the entry for a relayed message id, or ErrNotFound.
func (s *CorrelationStore) Resolve(ctx context.Context, relayedID string) (*models.CorrelationEntry, error) {
	var entry models.CorrelationEntry
	err := s.db.WithContext(ctx).
		Where("relayed_message_id = ?", relayedID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, opError("resolve", relayedID, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("resolve", relayedID, err)
	}
	return &entry, nil
}

// LastEntryFor returns the newest entry created for userID, or ErrNotFound.
func (s *CorrelationStore) LastEntryFor(ctx context.Context, userID string) (*models.CorrelationEntry, error) {
	var entry models.CorrelationEntry
	err := s.db.WithContext(ctx).
		Where("origin_user_id = ?", userID).
		Order("id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, opError("last entry", userID, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("last entry", userID, err)
	}
	return &entry, nil
}

// Recent returns up to limit entries, newest first.
func (s *CorrelationStore) Recent(ctx context.Context, limit int) ([]models.CorrelationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.CorrelationEntry
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, storageError("recent", "", err)
	}
	return entries, nil
}

// Healthy pings the underlying database.
func (s *CorrelationStore) Healthy(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageError("ping", "", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storageError("ping", "", err)
	}
	return nil
}

// StoredLanguage reports the language userID picked, if any.
func (s *CorrelationStore) StoredLanguage(ctx context.Context, userID string) (string, bool, error) {
	var ul models.UserLanguage
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&ul).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageError("language", userID, err)
	}
	return ul.Code, true, nil
}

// SetLanguage stores code as the language of userID.
func (s *CorrelationStore) SetLanguage(ctx context.Context, userID, code string) error {
	if !i18n.Supported(code) {
		return fmt.Errorf("relay: set language: unsupported language %q", code)
	}
	ul := models.UserLanguage{UserID: userID, Code: code}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "updated_at"}),
	}).Create(&ul).Error
	if err != nil {
		return storageError("set language", userID, err)
	}
	return nil
}
