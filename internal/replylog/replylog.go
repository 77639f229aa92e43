// Package replylog is the append-only audit trail of the relay: one row per
// user question, approval decision, and support reply.
package replylog

import (
	"context"
	"errors"
	"time"
)

// Status is the approval_status column.
type Status string

const (
	StatusUnset               Status = "UNSET"
	StatusApproved            Status = "APPROVED"
	StatusDiscarded           Status = "DISCARDED"
	StatusDiscardedThenManual Status = "DISCARDED_THEN_MANUAL"
)

// Event names the transition that produced a row. It is not part of the
// five-column file format; the database mirror keeps it for analytics.
type Event string

const (
	EventQuestion   Event = "question"
	EventApproved   Event = "approved"
	EventDiscarded  Event = "discarded"
	EventManual     Event = "manual"
	EventGroupReply Event = "group_reply"
)

// Row is one recordable event. Rows are appended and never rewritten.
type Row struct {
	Timestamp        time.Time
	RelayedMessageID string
	Event            Event
	Question         string
	Autoreply        string
	ManualReply      string
	ApprovalStatus   Status
}

// Writer appends rows to a log.
type Writer interface {
	Append(ctx context.Context, row Row) error
}

// Tee appends every row to all writers. A failing writer does not stop
// the others; the errors are joined.
type Tee []Writer

// Append implements Writer.
func (t Tee) Append(ctx context.Context, row Row) error {
	var errs []error
	for _, w := range t {
		if err := w.Append(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// normalize fills defaults shared by every writer.
func normalize(row Row) Row {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if row.ApprovalStatus == "" {
		row.ApprovalStatus = StatusUnset
	}
	return row
}
