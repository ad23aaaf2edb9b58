package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decro-app/decro-sync/internal/feedsync"
	"github.com/gin-gonic/gin"
)

const (
	eventHeartbeat           = "heartbeat"
	eventReady               = "ready"
	defaultHeartbeatInterval = 15 * time.Second
)

// handleEvents streams engine change notifications as server-sent events. The
// optional kinds query narrows the stream, e.g. ?kinds=posts,likes.
func (h *httpHandler) handleEvents(c *gin.Context) {
	var kinds []feedsync.ChangeKind
	for _, raw := range c.QueryArray("kinds") {
		for _, part := range splitList(raw) {
			kinds = append(kinds, feedsync.ChangeKind(part))
		}
	}

	events, cleanup := h.engine.Subscribe(c.Request.Context(), kinds...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(eventReady, gin.H{"timestamp": time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func splitList(raw string) []string {
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
