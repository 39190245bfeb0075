package handlers

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"agentdeck/internal/models"
	"agentdeck/internal/services"
	"agentdeck/internal/store"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// WebSocketHandler pushes every world-state change to connected consumers.
// Each frame is a full snapshot, so a consumer that misses intermediate
// frames still converges on the current state.
type WebSocketHandler struct {
	world   *store.WorldStore
	metrics *services.Metrics
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(world *store.WorldStore, metrics *services.Metrics) *WebSocketHandler {
	return &WebSocketHandler{world: world, metrics: metrics}
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	done := make(chan struct{})
	writeChan := make(chan models.WorldState, 16)

	// Guards concurrent writes from the write, ping, and read loops.
	var writeMu sync.Mutex

	// The subscriber callback must never block the store's mutator: when
	// this consumer falls behind, the oldest queued snapshot is evicted in
	// favor of the newest.
	unsubscribe := h.world.Subscribe(func(state models.WorldState) {
		select {
		case writeChan <- state:
		default:
			select {
			case <-writeChan:
			default:
			}
			select {
			case writeChan <- state:
			default:
			}
		}
	})

	if h.metrics != nil {
		h.metrics.RecordSubscribe()
	}
	log.Printf("✅ [WS] Subscriber connected: %s", connID)

	defer func() {
		close(done)
		unsubscribe()
		if h.metrics != nil {
			h.metrics.RecordUnsubscribe()
		}
		log.Printf("👋 [WS] Subscriber disconnected: %s", connID)
	}()

	c.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	go h.pingLoop(c, connID, &writeMu, done)
	go h.writeLoop(c, connID, &writeMu, writeChan, done)

	// Seed the consumer with the current state before any deltas.
	writeChan <- h.world.GetState()

	h.readLoop(c, connID, &writeMu)
}

// pingLoop keeps the connection alive between world-state changes.
func (h *WebSocketHandler) pingLoop(c *websocket.Conn, connID string, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			writeMu.Unlock()
			if err != nil {
				log.Printf("⚠️ [WS] Ping failed for %s: %v", connID, err)
				return
			}
		}
	}
}

// writeLoop serializes world-state frames onto the socket.
func (h *WebSocketHandler) writeLoop(c *websocket.Conn, connID string, writeMu *sync.Mutex, writeChan <-chan models.WorldState, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case state := <-writeChan:
			writeMu.Lock()
			err := c.WriteJSON(state)
			writeMu.Unlock()
			if err != nil {
				log.Printf("⚠️ [WS] Write failed for %s: %v", connID, err)
				return
			}
		}
	}
}

// readLoop drains client messages until the socket closes. The only
// recognized inbound message is a heartbeat ping.
func (h *WebSocketHandler) readLoop(c *websocket.Conn, connID string, writeMu *sync.Mutex) {
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		c.SetReadDeadline(time.Now().Add(120 * time.Second))

		var inbound struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &inbound); err != nil {
			continue
		}
		if inbound.Type == "ping" {
			writeMu.Lock()
			err := c.WriteJSON(map[string]string{"type": "pong"})
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
