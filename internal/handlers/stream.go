package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"agentdeck/internal/models"
	"agentdeck/internal/services"
	"agentdeck/internal/store"

	"github.com/gofiber/fiber/v2"
)

// StreamHandler serves the resumable, offset-addressed event log over SSE.
// Consumers resume with ?offset=<saved> or rely on the cursor persisted for
// their project key.
type StreamHandler struct {
	stream  *services.StreamService
	cursors *store.CursorStore
	metrics *services.Metrics
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(stream *services.StreamService, cursors *store.CursorStore, metrics *services.Metrics) *StreamHandler {
	return &StreamHandler{stream: stream, cursors: cursors, metrics: metrics}
}

// Handle runs resume() for one consumer: catch-up events first, then the
// live tail, each frame carrying its offset as the SSE id. The cursor is
// persisted after every delivered event.
func (h *StreamHandler) Handle(c *fiber.Ctx) error {
	project := c.Query("project")
	if project == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "project query parameter is required",
		})
	}

	saved := c.Query("offset")
	if saved == "" {
		cursor, err := h.cursors.LoadCursor(c.Context(), project)
		if err != nil {
			// Cursor persistence failures are the one error category
			// surfaced to the caller; resuming from a silently lost
			// cursor would replay or skip history.
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": fmt.Sprintf("failed to load cursor: %v", err),
			})
		}
		if cursor != nil {
			saved = cursor.Offset
		}
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if h.metrics != nil {
			h.metrics.RecordStreamStart()
			defer h.metrics.RecordStreamEnd()
		}
		log.Printf("✅ [STREAM] Consumer resumed project %s from offset %q", project, saved)

		for ev := range h.stream.Resume(ctx, saved) {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.Offset, payload)
			if err := w.Flush(); err != nil {
				// Client went away; Resume is torn down via ctx.
				log.Printf("👋 [STREAM] Consumer for %s disconnected at offset %s", project, ev.Offset)
				return
			}

			cursor := models.Cursor{ProjectKey: project, Offset: ev.Offset, Timestamp: ev.Timestamp}
			if err := h.cursors.SaveCursor(ctx, cursor); err != nil {
				// Delivery already happened; at-least-once tolerates the
				// re-delivery a stale cursor causes, but the failure must
				// not pass silently.
				log.Printf("❌ [STREAM] Failed to persist cursor for %s at %s: %v", project, ev.Offset, err)
			}
		}
	})

	return nil
}
