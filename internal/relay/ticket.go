package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/replylog"
	"gorm.io/gorm"
)

// TicketMachine owns the lifecycle of autoreply tickets.
type TicketMachine struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTicketMachine creates a TicketMachine backed by db.
func NewTicketMachine(db *gorm.DB) (*TicketMachine, error) {
	if db == nil {
		return nil, fmt.Errorf("relay: ticket machine: db is required")
	}
	return &TicketMachine{db: db, now: time.Now}, nil
}

// Create opens a PENDING ticket for entry. It fails with
// ErrInvalidTransition when the entry already has a PENDING ticket.
func (m *TicketMachine) Create(ctx context.Context, entry *models.CorrelationEntry, text, controlMessageID string) (*models.AutoreplyTicket, error) {
	if entry == nil || entry.RelayedMessageID == "" {
		return nil, fmt.Errorf("relay: create ticket: entry is required")
	}
	key := entry.RelayedMessageID
	ticket := &models.AutoreplyTicket{
		ID:               uuid.NewString(),
		RelayedMessageID: key,
		State:            models.TicketPending,
		GeneratedText:    text,
		ControlMessageID: controlMessageID,
		CreatedAt:        m.now(),
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.AutoreplyTicket{}).
			Where("relayed_message_id = ? AND state = ?", key, models.TicketPending).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrInvalidTransition
		}
		return tx.Create(ticket).Error
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, opError("create ticket", key, fmt.Errorf("%w: entry already has a pending ticket", ErrInvalidTransition))
	}
	if err != nil {
		return nil, storageError("create ticket", key, err)
	}
	return ticket, nil
}

// SetControlMessage records the support message carrying the ticket's
// buttons. It is set once, after the buttons are posted.
func (m *TicketMachine) SetControlMessage(ctx context.Context, ticketID, messageID string) error {
	result := m.db.WithContext(ctx).Model(&models.AutoreplyTicket{}).
		Where("id = ?", ticketID).
		Update("control_message_id", messageID)
	if result.Error != nil {
		return storageError("set control message", ticketID, result.Error)
	}
	if result.RowsAffected == 0 {
		return opError("set control message", ticketID, ErrNotFound)
	}
	return nil
}

// Abandon deletes a PENDING ticket whose buttons never reached support.
// Such a ticket was never decided, so it must not count as a discard.
func (m *TicketMachine) Abandon(ctx context.Context, ticketID string) error {
	result := m.db.WithContext(ctx).
		Where("id = ? AND state = ?", ticketID, models.TicketPending).
		Delete(&models.AutoreplyTicket{})
	if result.Error != nil {
		return storageError("abandon ticket", ticketID, result.Error)
	}
	if result.RowsAffected == 0 {
		return opError("abandon ticket", ticketID, ErrNotFound)
	}
	return nil
}

// Approve moves a PENDING ticket to APPROVED.
func (m *TicketMachine) Approve(ctx context.Context, ticketID, actor string) (*models.AutoreplyTicket, error) {
	return m.transition(ctx, "approve", ticketID, models.TicketApproved, actor)
}

// Discard moves a PENDING ticket to DISCARDED.
func (m *TicketMachine) Discard(ctx context.Context, ticketID, actor string) (*models.AutoreplyTicket, error) {
	return m.transition(ctx, "discard", ticketID, models.TicketDiscarded, actor)
}

// transition applies a conditional update so that only one caller can
// move a ticket out of PENDING, even across processes.
func (m *TicketMachine) transition(ctx context.Context, op, ticketID, to, actor string) (*models.AutoreplyTicket, error) {
	if !CanTransitionTicket(models.TicketPending, to) {
		return nil, opError(op, ticketID, ErrInvalidTransition)
	}
	now := m.now()
	var ticket models.AutoreplyTicket

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.AutoreplyTicket{}).
			Where("id = ? AND state = ?", ticketID, models.TicketPending).
			Updates(map[string]interface{}{
				"state":      to,
				"decided_by": actor,
				"decided_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if err := tx.Where("id = ?", ticketID).First(&ticket).Error; err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: ticket is %s", ErrInvalidTransition, ticket.State)
		}
		return nil
	})
	switch {
	case err == nil:
		return &ticket, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, opError(op, ticketID, ErrNotFound)
	case errors.Is(err, ErrInvalidTransition):
		return nil, opError(op, ticketID, err)
	default:
		return nil, storageError(op, ticketID, err)
	}
}

// Get returns a ticket by id.
func (m *TicketMachine) Get(ctx context.Context, ticketID string) (*models.AutoreplyTicket, error) {
	var ticket models.AutoreplyTicket
	err := m.db.WithContext(ctx).Where("id = ?", ticketID).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, opError("get ticket", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("get ticket", ticketID, err)
	}
	return &ticket, nil
}

// Latest returns the most recent ticket of an entry, or nil when the entry
// never had one.
func (m *TicketMachine) Latest(ctx context.Context, relayedID string) (*models.AutoreplyTicket, error) {
	var tickets []models.AutoreplyTicket
	err := m.db.WithContext(ctx).
		Where("relayed_message_id = ?", relayedID).
		Order("created_at DESC").
		Limit(1).
		Find(&tickets).Error
	if err != nil {
		return nil, storageError("latest ticket", relayedID, err)
	}
	if len(tickets) == 0 {
		return nil, nil
	}
	return &tickets[0], nil
}

// ByControlMessage returns the ticket whose buttons live on messageID.
func (m *TicketMachine) ByControlMessage(ctx context.Context, messageID string) (*models.AutoreplyTicket, error) {
	if messageID == "" {
		return nil, opError("ticket by control message", messageID, ErrNotFound)
	}
	var ticket models.AutoreplyTicket
	err := m.db.WithContext(ctx).Where("control_message_id = ?", messageID).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, opError("ticket by control message", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("ticket by control message", messageID, err)
	}
	return &ticket, nil
}

// ListPending returns PENDING tickets created before olderThan, oldest
// first. A zero olderThan lists every pending ticket.
func (m *TicketMachine) ListPending(ctx context.Context, olderThan time.Time) ([]models.AutoreplyTicket, error) {
	q := m.db.WithContext(ctx).Where("state = ?", models.TicketPending)
	if !olderThan.IsZero() {
		q = q.Where("created_at < ?", olderThan)
	}
	var tickets []models.AutoreplyTicket
	if err := q.Order("created_at ASC").Find(&tickets).Error; err != nil {
		return nil, storageError("list pending", "", err)
	}
	return tickets, nil
}

// CountByState returns the number of tickets in each state.
func (m *TicketMachine) CountByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		N     int64
	}
	err := m.db.WithContext(ctx).Model(&models.AutoreplyTicket{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, storageError("count tickets", "", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// ManualStatus is the approval status recorded for a manual reply given
// the entry's latest ticket (nil when none exists).
func ManualStatus(latest *models.AutoreplyTicket) replylog.Status {
	if latest != nil && latest.State == models.TicketDiscarded {
		return replylog.StatusDiscardedThenManual
	}
	return replylog.StatusUnset
}
