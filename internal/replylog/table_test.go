package replylog

import (
	"context"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTableTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ConversationRow{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestNewTable_NilDB(t *testing.T) {
	if _, err := NewTable(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestTable_AppendAndForEntry(t *testing.T) {
	db := openTableTestDB(t)
	tbl, _ := NewTable(db)
	ctx := context.Background()

	tbl.Append(ctx, Row{RelayedMessageID: "r1", Event: EventQuestion, Question: "q"})
	tbl.Append(ctx, Row{RelayedMessageID: "r2", Event: EventQuestion, Question: "other"})
	tbl.Append(ctx, Row{RelayedMessageID: "r1", Event: EventDiscarded, Question: "q", ApprovalStatus: StatusDiscarded})

	rows, err := tbl.ForEntry(ctx, "r1")
	if err != nil {
		t.Fatalf("ForEntry: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].ApprovalStatus != string(StatusUnset) {
		t.Errorf("rows[0].ApprovalStatus = %q, want UNSET", rows[0].ApprovalStatus)
	}
	if rows[1].Event != string(EventDiscarded) {
		t.Errorf("rows[1].Event = %q, want discarded", rows[1].Event)
	}
	if rows[0].Timestamp.IsZero() {
		t.Error("timestamp should default to now")
	}
}
