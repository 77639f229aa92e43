package models

import "time"

// CorrelationEntry links the copy of a user message posted in the support
// channel back to the user and message it came from. Entries are never
// updated or deleted so that late replies can still be routed.
type CorrelationEntry struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	RelayedMessageID string `gorm:"size:128;not null;uniqueIndex"`
	OriginUserID     string `gorm:"size:64;not null;index"`
	OriginChatID     string `gorm:"size:64;not null"`
	OriginMessageID  string `gorm:"size:128;not null"`
	Language         string `gorm:"size:8;not null;default:en"`
	UserHandle       string `gorm:"size:128"`
	Question         string `gorm:"type:text"`
	CreatedAt        time.Time
}

// UserLanguage stores the language a user picked from the /start menu.
type UserLanguage struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Code      string `gorm:"size:8;not null"`
	UpdatedAt time.Time
}
