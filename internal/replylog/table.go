package replylog

import (
	"context"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Table mirrors rows into the conversation_rows table.
type Table struct {
	db *gorm.DB
}

// NewTable creates a Table writer.
func NewTable(db *gorm.DB) (*Table, error) {
	if db == nil {
		return nil, fmt.Errorf("replylog: table: db is required")
	}
	return &Table{db: db}, nil
}

// Append implements Writer.
func (t *Table) Append(ctx context.Context, row Row) error {
	row = normalize(row)
	rec := models.ConversationRow{
		RelayedMessageID: row.RelayedMessageID,
		Event:            string(row.Event),
		Timestamp:        row.Timestamp,
		Question:         row.Question,
		Autoreply:        row.Autoreply,
		ManualReply:      row.ManualReply,
		ApprovalStatus:   string(row.ApprovalStatus),
	}
	if err := t.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("replylog: table append: %w", err)
	}
	return nil
}

// ForEntry returns the mirrored rows of one correlation entry in insertion order.
func (t *Table) ForEntry(ctx context.Context, relayedMessageID string) ([]models.ConversationRow, error) {
	var rows []models.ConversationRow
	if err := t.db.WithContext(ctx).Where("relayed_message_id = ?", relayedMessageID).
		Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("replylog: rows for %s: %w", relayedMessageID, err)
	}
	return rows, nil
}
