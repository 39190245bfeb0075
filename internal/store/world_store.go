package store

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"agentdeck/internal/models"

	"github.com/google/uuid"
)

// Subscriber receives the derived world state after every mutation.
// Callbacks are delivered asynchronously in mutation order, off the mutator's
// goroutine: a slow or blocking subscriber never stalls a mutation, and a
// callback may safely call back into the store.
type Subscriber func(models.WorldState)

// WorldStore is the single mutable state container. It holds the three
// id-sorted raw collections plus the status map, and recomputes the derived
// world view on every mutation. Each store is independently constructed and
// passed by reference; nothing here is process-global.
type WorldStore struct {
	mu sync.Mutex

	sessions []models.Session
	messages []models.Message
	parts    []models.Part
	status   map[string]models.SessionStatus

	connStatus  models.ConnectionStatus
	subscribers map[string]Subscriber
	state       models.WorldState

	// FIFO of undelivered notifications, drained by at most one goroutine.
	queue    []notification
	draining bool
}

// notification pairs one mutation's state snapshot with the subscribers
// registered at the time of that mutation.
type notification struct {
	state models.WorldState
	subs  []Subscriber
}

// NewWorldStore creates an empty world store.
func NewWorldStore() *WorldStore {
	ws := &WorldStore{
		status:      make(map[string]models.SessionStatus),
		connStatus:  models.ConnDisconnected,
		subscribers: make(map[string]Subscriber),
	}
	ws.recompute()
	return ws
}

// SetSessions replaces the whole session collection. Used at bootstrap.
func (ws *WorldStore) SetSessions(sessions []models.Session) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.sessions = append([]models.Session(nil), sessions...)
	sort.Slice(ws.sessions, func(i, j int) bool { return ws.sessions[i].ID < ws.sessions[j].ID })
	ws.publish()
}

// SetMessages replaces the whole message collection. Used at bootstrap.
func (ws *WorldStore) SetMessages(messages []models.Message) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.messages = append([]models.Message(nil), messages...)
	sort.Slice(ws.messages, func(i, j int) bool { return ws.messages[i].ID < ws.messages[j].ID })
	ws.publish()
}

// SetParts replaces the whole part collection. Used at bootstrap.
func (ws *WorldStore) SetParts(parts []models.Part) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.parts = append([]models.Part(nil), parts...)
	sort.Slice(ws.parts, func(i, j int) bool { return ws.parts[i].ID < ws.parts[j].ID })
	ws.publish()
}

// SetStatus merges a status snapshot into the status map.
func (ws *WorldStore) SetStatus(status map[string]models.SessionStatus) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for id, st := range status {
		ws.status[id] = st
	}
	ws.publish()
}

// UpsertSession inserts or replaces a session by id, keeping sort order.
func (ws *WorldStore) UpsertSession(session models.Session) {
	if session.ID == "" {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	i := sort.Search(len(ws.sessions), func(i int) bool { return ws.sessions[i].ID >= session.ID })
	if i < len(ws.sessions) && ws.sessions[i].ID == session.ID {
		ws.sessions[i] = session
	} else {
		ws.sessions = append(ws.sessions, models.Session{})
		copy(ws.sessions[i+1:], ws.sessions[i:])
		ws.sessions[i] = session
	}
	ws.publish()
}

// UpsertMessage inserts or replaces a message by id, keeping sort order.
// An unmatched sessionID is retained; the message joins its session's
// enriched view once the session arrives.
func (ws *WorldStore) UpsertMessage(message models.Message) {
	if message.ID == "" {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	i := sort.Search(len(ws.messages), func(i int) bool { return ws.messages[i].ID >= message.ID })
	if i < len(ws.messages) && ws.messages[i].ID == message.ID {
		ws.messages[i] = message
	} else {
		ws.messages = append(ws.messages, models.Message{})
		copy(ws.messages[i+1:], ws.messages[i:])
		ws.messages[i] = message
	}
	ws.publish()
}

// UpsertPart inserts or replaces a part by id, keeping sort order.
// Re-delivery with the same id replaces wholesale, never appends.
func (ws *WorldStore) UpsertPart(part models.Part) {
	if part.ID == "" {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	i := sort.Search(len(ws.parts), func(i int) bool { return ws.parts[i].ID >= part.ID })
	if i < len(ws.parts) && ws.parts[i].ID == part.ID {
		ws.parts[i] = part
	} else {
		ws.parts = append(ws.parts, models.Part{})
		copy(ws.parts[i+1:], ws.parts[i:])
		ws.parts[i] = part
	}
	ws.publish()
}

// UpdateStatus records the status for a session id.
func (ws *WorldStore) UpdateStatus(sessionID string, status models.SessionStatus) {
	if sessionID == "" {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.status[sessionID] = status
	ws.publish()
}

// SetConnectionStatus updates the aggregate connectivity signal.
func (ws *WorldStore) SetConnectionStatus(status models.ConnectionStatus) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.connStatus == status {
		return
	}
	ws.connStatus = status
	ws.publish()
}

// Subscribe registers a callback invoked on every mutation. The returned
// function unsubscribes it.
func (ws *WorldStore) Subscribe(fn Subscriber) func() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	id := uuid.New().String()
	ws.subscribers[id] = fn

	return func() {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		delete(ws.subscribers, id)
	}
}

// GetState returns the current derived world state. The returned value is a
// snapshot; callers must not mutate its slices.
func (ws *WorldStore) GetState() models.WorldState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// publish recomputes the derived state and queues a notification for the
// current subscribers. Caller holds ws.mu. Delivery happens on a separate
// drain goroutine so a blocking subscriber cannot stall the mutator.
func (ws *WorldStore) publish() {
	ws.recompute()
	if len(ws.subscribers) == 0 {
		return
	}

	subs := make([]Subscriber, 0, len(ws.subscribers))
	for _, fn := range ws.subscribers {
		subs = append(subs, fn)
	}
	ws.queue = append(ws.queue, notification{state: ws.state, subs: subs})

	if !ws.draining {
		ws.draining = true
		go ws.drain()
	}
}

// drain delivers queued notifications in mutation order and exits once the
// queue is empty. Callbacks run without ws.mu held, so they may call back
// into the store.
func (ws *WorldStore) drain() {
	for {
		ws.mu.Lock()
		if len(ws.queue) == 0 {
			ws.draining = false
			ws.mu.Unlock()
			return
		}
		n := ws.queue[0]
		ws.queue = ws.queue[1:]
		ws.mu.Unlock()

		for _, fn := range n.subs {
			ws.notify(fn, n.state)
		}
	}
}

// notify isolates subscriber panics so one bad consumer cannot take the
// store down with it.
func (ws *WorldStore) notify(fn Subscriber, state models.WorldState) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ [WORLD] Subscriber panicked: %v", r)
		}
	}()
	fn(state)
}

// recompute derives the enriched world view from the raw collections.
// Pure function of (sessions, messages, parts, status, connStatus).
func (ws *WorldStore) recompute() {
	partsByMessage := make(map[string][]models.Part, len(ws.messages))
	for _, p := range ws.parts {
		partsByMessage[p.MessageID] = append(partsByMessage[p.MessageID], p)
	}

	messagesBySession := make(map[string][]models.EnrichedMessage, len(ws.sessions))
	for _, m := range ws.messages {
		parts := partsByMessage[m.ID]
		if parts == nil {
			parts = []models.Part{}
		}
		messagesBySession[m.SessionID] = append(messagesBySession[m.SessionID], models.EnrichedMessage{
			Message:     m,
			Parts:       parts,
			IsStreaming: m.Role == "assistant" && m.Time.Completed == nil,
		})
	}

	sessions := make([]models.EnrichedSession, 0, len(ws.sessions))
	for _, s := range ws.sessions {
		messages := messagesBySession[s.ID]
		if messages == nil {
			messages = []models.EnrichedMessage{}
		}

		status, ok := ws.status[s.ID]
		if !ok {
			status = models.StatusCompleted
		}

		sessions = append(sessions, models.EnrichedSession{
			Session:             s,
			Status:              status,
			Messages:            messages,
			IsActive:            status == models.StatusRunning,
			ContextUsagePercent: contextUsagePercent(messages),
		})
	}

	// Most-recent-activity descending, ties broken by id ascending so the
	// ordering is deterministic under equal timestamps.
	recency := make(map[string]int64, len(sessions))
	for _, s := range sessions {
		recency[s.ID] = activityKey(s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		ki, kj := recency[sessions[i].ID], recency[sessions[j].ID]
		if ki != kj {
			return ki > kj
		}
		return sessions[i].ID < sessions[j].ID
	})

	state := models.WorldState{
		Sessions:         sessions,
		ConnectionStatus: ws.connStatus,
		LastUpdated:      time.Now(),
	}
	for i := range sessions {
		if sessions[i].IsActive {
			state.ActiveSessionCount++
			if state.ActiveSession == nil {
				active := sessions[i]
				state.ActiveSession = &active
			}
		}
	}

	ws.state = state
}

// activityKey is max(session.updated, max message.created over its messages).
func activityKey(s models.EnrichedSession) int64 {
	key := s.Time.Updated
	for _, m := range s.Messages {
		if m.Time.Created > key {
			key = m.Time.Created
		}
	}
	return key
}

// contextUsagePercent derives usage from the latest completed assistant
// message: token sum over its model's context limit, rounded to two
// decimals. 0 when no such message (or no usable limit) exists.
func contextUsagePercent(messages []models.EnrichedMessage) float64 {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "assistant" || m.Time.Completed == nil {
			continue
		}
		if m.Model == nil || m.Model.Limits.Context <= 0 {
			return 0
		}
		var total int
		if m.Tokens != nil {
			total = m.Tokens.Total()
		}
		percent := 100 * float64(total) / float64(m.Model.Limits.Context)
		return math.Round(percent*100) / 100
	}
	return 0
}
