package relay

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/replylog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openRelayTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Every connection to ":memory:" is a separate database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.CorrelationEntry{}, &models.UserLanguage{}, &models.AutoreplyTicket{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// memLog is a replylog.Writer that keeps rows in memory.
type memLog struct {
	mu   sync.Mutex
	rows []replylog.Row
}

func (l *memLog) Append(_ context.Context, row replylog.Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, row)
	return nil
}

func (l *memLog) Rows() []replylog.Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]replylog.Row, len(l.rows))
	copy(out, l.rows)
	return out
}

type fixture struct {
	db        *gorm.DB
	store     *CorrelationStore
	tickets   *TicketMachine
	log       *memLog
	transport *MockTransport
	router    *Router
}

func newFixture(t *testing.T, semiAuto bool) *fixture {
	t.Helper()
	db := openRelayTestDB(t)
	store, err := NewCorrelationStore(db)
	if err != nil {
		t.Fatal(err)
	}
	tickets, err := NewTicketMachine(db)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		db:        db,
		store:     store,
		tickets:   tickets,
		log:       &memLog{},
		transport: NewMockTransport(),
	}
	f.router, err = NewRouter(RouterOpts{
		Store:     store,
		Tickets:   tickets,
		Log:       f.log,
		Transport: f.transport,
		SemiAuto:  semiAuto,
		Out:       io.Discard,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return f
}

// send routes a user message from alice and returns the relayed id of the
// forwarded copy.
func (f *fixture) send(t *testing.T, text string) string {
	t.Helper()
	before := len(f.transport.Posts())
	outcome, err := f.router.Handle(context.Background(), UserMessage{
		UserID:     "alice-id",
		MessageID:  "m1",
		UserHandle: "alice",
		Text:       text,
	})
	if err != nil || outcome != OutcomeForwarded {
		t.Fatalf("Handle(UserMessage) = %q, %v", outcome, err)
	}
	return f.transport.Posts()[before].ID
}
