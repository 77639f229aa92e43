package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// pollInterval is how often the event stream checks for new tickets.
var pollInterval = 3 * time.Second

// ticketEvent holds data for a "ticket" SSE event.
type ticketEvent struct {
	ID               string `json:"id"`
	RelayedMessageID string `json:"relayed_message_id"`
	GeneratedText    string `json:"generated_text"`
	Pending          int64  `json:"pending"`
}

// handleSSE streams a "ticket" event whenever a new PENDING ticket appears.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		// Only tickets created after the client connected are announced.
		since := time.Now()

		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var fresh []models.AutoreplyTicket
				if err := db.WithContext(ctx).
					Where("state = ? AND created_at > ?", models.TicketPending, since).
					Order("created_at ASC").
					Find(&fresh).Error; err != nil || len(fresh) == 0 {
					continue
				}
				since = fresh[len(fresh)-1].CreatedAt

				var pending int64
				db.WithContext(ctx).Model(&models.AutoreplyTicket{}).
					Where("state = ?", models.TicketPending).
					Count(&pending)

				for _, t := range fresh {
					writeSSE(c.Writer, "ticket", ticketEvent{
						ID:               t.ID,
						RelayedMessageID: t.RelayedMessageID,
						GeneratedText:    t.GeneratedText,
						Pending:          pending,
					})
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
