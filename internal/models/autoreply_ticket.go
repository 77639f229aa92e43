package models

import "time"

// Ticket states. PENDING is the only state with outgoing transitions.
const (
	TicketPending   = "PENDING"
	TicketApproved  = "APPROVED"
	TicketDiscarded = "DISCARDED"
)

// AutoreplyTicket is one generated reply awaiting a support decision.
type AutoreplyTicket struct {
	ID               string `gorm:"primaryKey;size:36"`
	RelayedMessageID string `gorm:"size:128;not null;index"`
	State            string `gorm:"size:16;not null;default:PENDING;index"`
	GeneratedText    string `gorm:"type:text;not null"`
	ControlMessageID string `gorm:"size:128;index"`
	DecidedBy        string `gorm:"size:64"`
	CreatedAt        time.Time
	DecidedAt        *time.Time
}

// ConversationRow mirrors one line of the conversation log into the
// database so analytics can join it back to its correlation entry.
type ConversationRow struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	RelayedMessageID string    `gorm:"size:128;index"`
	Event            string    `gorm:"size:16;not null;index"`
	Timestamp        time.Time `gorm:"not null;index"`
	Question         string    `gorm:"type:text"`
	Autoreply        string    `gorm:"type:text"`
	ManualReply      string    `gorm:"type:text"`
	ApprovalStatus   string    `gorm:"size:24;not null;default:UNSET"`
}
