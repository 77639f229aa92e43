package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/replylog"
	"gorm.io/gorm"
)

// ErrEntryNotFound is returned by EntryDetail for unknown relayed ids.
var ErrEntryNotFound = errors.New("dashboard: entry not found")

// TicketRow holds ticket data for display.
type TicketRow struct {
	ID               string     `json:"id"`
	RelayedMessageID string     `json:"relayed_message_id"`
	State            string     `json:"state"`
	GeneratedText    string     `json:"generated_text"`
	DecidedBy        string     `json:"decided_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	Age              string     `json:"age"`
}

// TicketSummary is the response of /api/tickets.
type TicketSummary struct {
	Counts  map[string]int64 `json:"counts"`
	Pending []TicketRow      `json:"pending"`
}

// LogRow is one mirrored conversation log row.
type LogRow struct {
	Event          string    `json:"event"`
	Timestamp      time.Time `json:"timestamp"`
	Autoreply      string    `json:"autoreply,omitempty"`
	ManualReply    string    `json:"manual_reply,omitempty"`
	ApprovalStatus string    `json:"approval_status"`
}

// EntryView is the response of /api/entries/:id.
type EntryView struct {
	RelayedMessageID string      `json:"relayed_message_id"`
	OriginUserID     string      `json:"origin_user_id"`
	UserHandle       string      `json:"user_handle,omitempty"`
	Language         string      `json:"language"`
	Question         string      `json:"question"`
	CreatedAt        time.Time   `json:"created_at"`
	Tickets          []TicketRow `json:"tickets"`
	Log              []LogRow    `json:"log"`
}

// Tickets returns ticket counts by state and the pending tickets, oldest first.
func Tickets(ctx context.Context, db *gorm.DB, limit int) (*TicketSummary, error) {
	machine, err := relay.NewTicketMachine(db)
	if err != nil {
		return nil, err
	}
	counts, err := machine.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	for _, state := range []string{models.TicketPending, models.TicketApproved, models.TicketDiscarded} {
		if _, ok := counts[state]; !ok {
			counts[state] = 0
		}
	}

	pending, err := machine.ListPending(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return &TicketSummary{Counts: counts, Pending: toTicketRows(pending, time.Now())}, nil
}

// EntryDetail returns one correlation entry with its tickets and log rows.
func EntryDetail(ctx context.Context, db *gorm.DB, relayedID string) (*EntryView, error) {
	var entry models.CorrelationEntry
	err := db.WithContext(ctx).Where("relayed_message_id = ?", relayedID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dashboard: entry %s: %w", relayedID, err)
	}

	var tickets []models.AutoreplyTicket
	if err := db.WithContext(ctx).Where("relayed_message_id = ?", relayedID).
		Order("created_at ASC").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("dashboard: tickets for %s: %w", relayedID, err)
	}

	table, err := replylog.NewTable(db)
	if err != nil {
		return nil, err
	}
	rows, err := table.ForEntry(ctx, relayedID)
	if err != nil {
		return nil, err
	}
	logRows := make([]LogRow, len(rows))
	for i, r := range rows {
		logRows[i] = LogRow{
			Event:          r.Event,
			Timestamp:      r.Timestamp,
			Autoreply:      r.Autoreply,
			ManualReply:    r.ManualReply,
			ApprovalStatus: r.ApprovalStatus,
		}
	}

	return &EntryView{
		RelayedMessageID: entry.RelayedMessageID,
		OriginUserID:     entry.OriginUserID,
		UserHandle:       entry.UserHandle,
		Language:         entry.Language,
		Question:         entry.Question,
		CreatedAt:        entry.CreatedAt,
		Tickets:          toTicketRows(tickets, time.Now()),
		Log:              logRows,
	}, nil
}

func toTicketRows(tickets []models.AutoreplyTicket, now time.Time) []TicketRow {
	rows := make([]TicketRow, len(tickets))
	for i, t := range tickets {
		rows[i] = TicketRow{
			ID:               t.ID,
			RelayedMessageID: t.RelayedMessageID,
			State:            t.State,
			GeneratedText:    t.GeneratedText,
			DecidedBy:        t.DecidedBy,
			CreatedAt:        t.CreatedAt,
			DecidedAt:        t.DecidedAt,
			Age:              formatAge(now.Sub(t.CreatedAt)),
		}
	}
	return rows
}

// formatAge renders a duration as a compact age string.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
