package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"agentdeck/internal/models"
)

// offsetWidth fixes the zero-padded decimal width of stream offsets, so
// lexicographic order equals numeric order.
const offsetWidth = 10

// StreamService is the offset-addressed view over the aggregated event
// flow: a bounded catch-up over the backends' current state, an unbounded
// live tail off the router, and resume() joining both under one monotonic
// offset sequence.
type StreamService struct {
	manager *ConnectionManager
	router  *EventRouter
}

// NewStreamService creates a stream service over the manager and router.
func NewStreamService(manager *ConnectionManager, router *EventRouter) *StreamService {
	return &StreamService{manager: manager, router: router}
}

// FormatOffset renders an offset at the fixed width.
func FormatOffset(n uint64) string {
	return fmt.Sprintf("%0*d", offsetWidth, n)
}

// ParseOffset reads a saved offset; empty or unparseable input restarts the
// sequence from zero.
func ParseOffset(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CatchUp queries every currently supervised backend for its session list
// and status map and synthesizes a bounded batch of world events. Offsets
// continue from savedOffset; only the final event carries upToDate=true.
// Returns the batch and the next free offset. Per-backend fetch failures
// are absorbed — the batch covers whatever was reachable.
func (s *StreamService) CatchUp(ctx context.Context, savedOffset string) ([]models.WorldEvent, uint64) {
	next := ParseOffset(savedOffset) + 1
	now := time.Now().UnixMilli()

	var events []models.WorldEvent
	sessionCount := 0

	for _, inst := range s.manager.Instances() {
		sessions, err := s.manager.fetchSessions(ctx, inst.Address)
		if err != nil {
			log.Printf("⚠️ [STREAM] Catch-up skipping %s: %v", inst.Address, err)
			continue
		}
		statuses, err := s.manager.fetchStatus(ctx, inst.Address)
		if err != nil {
			log.Printf("⚠️ [STREAM] Catch-up skipping %s statuses: %v", inst.Address, err)
			statuses = nil
		}

		for _, session := range sessions {
			events = append(events, models.WorldEvent{
				Type:      models.EventSessionUpdated,
				Offset:    FormatOffset(next),
				Timestamp: now,
				Payload:   session,
			})
			next++
			sessionCount++
		}
		for id, status := range statuses {
			events = append(events, models.WorldEvent{
				Type:      models.EventSessionStatus,
				Offset:    FormatOffset(next),
				Timestamp: now,
				Payload:   map[string]interface{}{"sessionID": id, "status": status},
			})
			next++
		}
	}

	// The terminal sync marker is the one event in the batch carrying
	// upToDate=true, so consumers always observe the transition.
	events = append(events, models.WorldEvent{
		Type:      "world.sync",
		Offset:    FormatOffset(next),
		Timestamp: now,
		UpToDate:  true,
		Payload:   map[string]interface{}{"sessions": sessionCount},
	})
	next++

	return events, next
}

// Tail emits every live routed event with offsets continuing from `from`,
// until ctx is cancelled. Events are marked upToDate=false.
func (s *StreamService) Tail(ctx context.Context, from uint64) <-chan models.WorldEvent {
	out := make(chan models.WorldEvent)

	go func() {
		defer close(out)
		tap, release := s.router.Tap()
		defer release()
		s.pump(ctx, tap, out, from)
	}()

	return out
}

// Resume is catch-up concatenated with the live tail under one offset
// counter: full history since savedOffset, then live events, no gap and no
// duplicate relative to an uninterrupted tail. The tap is registered before
// the catch-up query so nothing falls between the snapshot and the tail.
func (s *StreamService) Resume(ctx context.Context, savedOffset string) <-chan models.WorldEvent {
	out := make(chan models.WorldEvent)

	go func() {
		defer close(out)

		tap, release := s.router.Tap()
		defer release()

		events, next := s.CatchUp(ctx, savedOffset)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		s.pump(ctx, tap, out, next)
	}()

	return out
}

// pump converts tapped source events into offset-addressed world events.
func (s *StreamService) pump(ctx context.Context, tap <-chan models.SourceEvent, out chan<- models.WorldEvent, next uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tap:
			if !ok {
				return
			}
			world := models.WorldEvent{
				Type:      ev.Type,
				Offset:    FormatOffset(next),
				Timestamp: time.Now().UnixMilli(),
				Payload:   json.RawMessage(ev.Data),
			}
			select {
			case out <- world:
				next++
			case <-ctx.Done():
				return
			}
		}
	}
}
