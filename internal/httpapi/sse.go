package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"agfinbot/internal/conversation"
)

// handleEvents streams session snapshots. Slow clients only see the newest
// snapshot; intermediate versions are skipped.
func (s *Server) handleEvents(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	updates := make(chan conversation.Snapshot, 1)
	unsubscribe := engine.Subscribe(func(snap conversation.Snapshot) {
		select {
		case updates <- snap:
		default:
			// drop the stale one and keep the newest
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	last := engine.Snapshot()
	writeSSE(c.Writer, "snapshot", last)
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.heartbeat)
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
		case snap := <-updates:
			if snap.Version <= last.Version {
				continue
			}
			last = snap
			writeSSE(c.Writer, "snapshot", snap)
			c.Writer.Flush()
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
