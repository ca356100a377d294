package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sprintyard/internal/models"
	"gorm.io/gorm"
)

var (
	pollInterval      = 3 * time.Second
	heartbeatInterval = 15 * time.Second
)

// itemEvent is the payload of an item_event SSE event.
type itemEvent struct {
	ID      uint      `json:"id"`
	ItemID  uint      `json:"item_id"`
	GroupID *uint     `json:"group_id,omitempty"`
	Type    string    `json:"type"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// handleSSE streams audit events recorded after the client connected.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Only events recorded from now on are streamed.
		var lastSeenID uint
		var latest models.ItemEvent
		if err := db.Order("id DESC").Limit(1).First(&latest).Error; err == nil {
			lastSeenID = latest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(heartbeatInterval)
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
				var events []models.ItemEvent
				db.Where("id > ?", lastSeenID).Order("id ASC").Find(&events)
				if len(events) == 0 {
					continue
				}
				lastSeenID = events[len(events)-1].ID
				for _, ev := range events {
					writeSSE(c.Writer, "item_event", itemEvent{
						ID:      ev.ID,
						ItemID:  ev.ItemID,
						GroupID: ev.GroupID,
						Type:    ev.Type,
						From:    ev.FromStatus,
						To:      ev.ToStatus,
						Detail:  ev.Detail,
						At:      ev.CreatedAt,
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
