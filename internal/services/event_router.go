package services

import (
	"context"
	"log"
	"log/slog"
	"sync"

	"agentdeck/internal/logging"
	"agentdeck/internal/models"
	"agentdeck/internal/source"
	"agentdeck/internal/store"

	"github.com/google/uuid"
)

// EventRouter merges the connection manager's output with any auxiliary
// event sources and routes every event into the world store by type.
// Unavailable sources are excluded silently; a source failing mid-flight is
// dropped without affecting the rest of the merge.
type EventRouter struct {
	world   *store.WorldStore
	manager *ConnectionManager
	sources []source.EventSource
	metrics *Metrics

	mu   sync.Mutex
	taps map[string]chan models.SourceEvent

	wg sync.WaitGroup
}

// NewEventRouter creates a router. metrics may be nil.
func NewEventRouter(world *store.WorldStore, manager *ConnectionManager, metrics *Metrics, sources ...source.EventSource) *EventRouter {
	return &EventRouter{
		world:   world,
		manager: manager,
		sources: sources,
		metrics: metrics,
		taps:    make(map[string]chan models.SourceEvent),
	}
}

// Start probes auxiliary sources concurrently, merges every available
// stream with the manager's feed, and consumes the merge until ctx is
// cancelled. The merge succeeds with zero auxiliary sources.
func (r *EventRouter) Start(ctx context.Context) {
	merged := make(chan models.SourceEvent, 256)

	var producers sync.WaitGroup

	producers.Add(1)
	go func() {
		defer producers.Done()
		r.forward(ctx, r.manager.Events(), merged)
	}()

	var probe sync.WaitGroup
	for _, src := range r.sources {
		probe.Add(1)
		go func(src source.EventSource) {
			defer probe.Done()
			srcLog := logging.WithSource(slog.Default(), src.Name())
			if !src.Available(ctx) {
				srcLog.Warn("source unavailable, excluded from merge")
				return
			}
			srcLog.Info("merging source")
			producers.Add(1)
			go func() {
				defer producers.Done()
				r.forward(ctx, src.Stream(ctx), merged)
			}()
		}(src)
	}

	go func() {
		probe.Wait()
		producers.Wait()
		close(merged)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.closeTaps()
		for ev := range merged {
			r.route(ev)
		}
	}()
}

// Wait blocks until the routing loop has drained, after ctx cancellation.
func (r *EventRouter) Wait() {
	r.wg.Wait()
}

// forward copies one source's events into the merge until the source
// closes or ctx is cancelled.
func (r *EventRouter) forward(ctx context.Context, in <-chan models.SourceEvent, out chan<- models.SourceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// route applies one event to the world store. Malformed payloads are
// discarded without throwing; receiving message or part traffic promotes the
// session to running even before any explicit status event arrives, since
// content is actively streaming (documented behavior — the protocol has no
// explicit "ended" counterpart).
func (r *EventRouter) route(ev models.SourceEvent) {
	decoded, err := models.DecodeEvent(ev)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordEventDropped(ev.Source)
		}
		return
	}

	switch e := decoded.(type) {
	case models.SessionEvent:
		r.world.UpsertSession(e.Session)
	case models.MessageEvent:
		r.world.UpsertMessage(e.Message)
		if e.Message.SessionID != "" {
			r.world.UpdateStatus(e.Message.SessionID, models.StatusRunning)
		}
	case models.PartEvent:
		r.world.UpsertPart(e.Part)
		if e.Part.SessionID != "" {
			r.world.UpdateStatus(e.Part.SessionID, models.StatusRunning)
		}
	case models.StatusEvent:
		r.world.UpdateStatus(e.SessionID, e.Status)
	case models.IgnoredEvent:
		if r.metrics != nil {
			r.metrics.RecordEventIgnored(e.Type)
		}
		return
	default:
		return
	}

	if r.metrics != nil {
		r.metrics.RecordEventRouted(ev.Type)
	}
	r.broadcast(ev)
}

// Tap returns a channel receiving every successfully routed event, plus a
// release function. Taps are best-effort: a tap that falls behind its
// buffer loses events rather than stalling the router.
func (r *EventRouter) Tap() (<-chan models.SourceEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan models.SourceEvent, 256)
	r.taps[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if tap, ok := r.taps[id]; ok {
			delete(r.taps, id)
			close(tap)
		}
	}
}

func (r *EventRouter) broadcast(ev models.SourceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, tap := range r.taps {
		select {
		case tap <- ev:
		default:
			log.Printf("⚠️ [ROUTER] Tap %s fell behind, dropping event", id)
		}
	}
}

func (r *EventRouter) closeTaps() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, tap := range r.taps {
		delete(r.taps, id)
		close(tap)
	}
}
