package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdeck/internal/discovery"
	"agentdeck/internal/logging"
	"agentdeck/internal/models"
	"agentdeck/internal/store"

	"github.com/go-co-op/gocron/v2"
)

// ConnectionManagerConfig tunes discovery cadence and retry policy.
type ConnectionManagerConfig struct {
	// Target, when non-empty, disables discovery and supervises exactly
	// this backend address.
	Target string

	DiscoveryInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int
}

// backendConn is one supervised connection to a backend instance.
type backendConn struct {
	instance discovery.Instance
	cancel   context.CancelFunc
}

// ConnectionManager finds backend instances, opens one long-lived event
// stream per instance, feeds parsed events into the world store, and
// reconciles connections as instances appear and disappear. Stop cancels
// the discovery loop and every connection task together.
type ConnectionManager struct {
	cfg    ConnectionManagerConfig
	world  *store.WorldStore
	disc   *discovery.Discovery
	client *http.Client

	events chan models.SourceEvent

	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu           sync.Mutex
	conns        map[string]*backendConn
	live         int
	bootstrapped bool
}

// NewConnectionManager creates a manager feeding the given world store.
func NewConnectionManager(world *store.WorldStore, disc *discovery.Discovery, cfg ConnectionManagerConfig) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		cfg:    cfg,
		world:  world,
		disc:   disc,
		client: &http.Client{Timeout: 10 * time.Second},
		events: make(chan models.SourceEvent, 256),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*backendConn),
	}
}

// Events returns the merged output of every supervised connection, tagged
// with the backend it arrived from. Closed by Stop.
func (m *ConnectionManager) Events() <-chan models.SourceEvent {
	return m.events
}

// Start launches supervision. With an explicit target the discovery loop is
// skipped entirely; otherwise a scheduler tick reconciles the connection set
// against discovery on a fixed interval.
func (m *ConnectionManager) Start() error {
	if m.cfg.Target != "" {
		log.Printf("🎯 [MANAGER] Explicit target configured: %s (discovery disabled)", m.cfg.Target)
		m.mu.Lock()
		m.launch(discovery.Instance{Address: m.cfg.Target})
		m.mu.Unlock()
		return nil
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create discovery scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(m.cfg.DiscoveryInterval),
		gocron.NewTask(m.reconcile),
		gocron.WithName("backend-discovery"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to register discovery job: %w", err)
	}

	m.scheduler = scheduler
	scheduler.Start()
	log.Printf("⏰ [MANAGER] Backend discovery running every %v", m.cfg.DiscoveryInterval)
	return nil
}

// Stop deterministically tears down the discovery loop and every connection
// task. No task survives past its return.
func (m *ConnectionManager) Stop() {
	m.cancel()
	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			log.Printf("⚠️ [MANAGER] Scheduler shutdown: %v", err)
		}
	}
	m.wg.Wait()
	close(m.events)
	m.world.SetConnectionStatus(models.ConnDisconnected)
}

// ConnectedCount returns the number of connections currently streaming.
func (m *ConnectionManager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Instances returns the currently supervised backend instances.
func (m *ConnectionManager) Instances() []discovery.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]discovery.Instance, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.instance)
	}
	return out
}

// reconcile diffs the discovered instance set against open connections:
// every newly seen address gets a connection task, every vanished address
// has its task torn down.
func (m *ConnectionManager) reconcile() {
	instances := m.disc.Discover(m.ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		seen[inst.Address] = true
		if _, ok := m.conns[inst.Address]; !ok {
			log.Printf("🔍 [MANAGER] Discovered backend %s (%s)", inst.Address, inst.Directory)
			m.launch(inst)
		}
	}

	for addr, conn := range m.conns {
		if !seen[addr] {
			log.Printf("👋 [MANAGER] Backend %s no longer discovered — closing connection", addr)
			conn.cancel()
			delete(m.conns, addr)
		}
	}

	if len(instances) == 0 && m.live == 0 {
		m.world.SetConnectionStatus(models.ConnDisconnected)
	}
}

// launch starts a connection task. Caller holds m.mu.
func (m *ConnectionManager) launch(inst discovery.Instance) {
	ctx, cancel := context.WithCancel(m.ctx)
	conn := &backendConn{instance: inst, cancel: cancel}
	m.conns[inst.Address] = conn
	m.updateAggregateLocked()

	m.wg.Add(1)
	go m.runConnection(ctx, conn)
}

// runConnection drives one backend through its state machine:
// connecting → streaming → (error | stream end) → backoff → connecting …,
// giving up after MaxRetries. The address is then retried only when
// rediscovery launches a fresh task.
func (m *ConnectionManager) runConnection(ctx context.Context, conn *backendConn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if existing, ok := m.conns[conn.instance.Address]; ok && existing == conn {
			delete(m.conns, conn.instance.Address)
		}
		m.updateAggregateLocked()
		m.mu.Unlock()
	}()

	addr := conn.instance.Address
	logger := logging.WithBackend(addr, conn.instance.Directory)
	backoff := m.cfg.BackoffBase
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		streamed, err := m.streamOnce(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		if streamed {
			// Any successful reconnect resets the backoff state machine.
			backoff = m.cfg.BackoffBase
			attempts = 0
		}
		if err != nil {
			logger.Warn("connection ended", "error", err)
		}

		attempts++
		if attempts >= m.cfg.MaxRetries {
			logger.Error("giving up on backend", "attempts", attempts)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.BackoffMax {
			backoff = m.cfg.BackoffMax
		}
	}
}

// streamOnce performs one bootstrap + live-stream cycle. It reports whether
// live streaming was entered, so the caller can reset its backoff.
func (m *ConnectionManager) streamOnce(ctx context.Context, conn *backendConn) (bool, error) {
	addr := conn.instance.Address

	// Bootstrap closes the gap between "snapshot taken" and "live stream
	// starts": fetch this instance's session list and status snapshot
	// before consuming incremental events.
	sessions, err := m.fetchSessions(ctx, addr)
	if err != nil {
		m.noteBootstrapError(addr, err)
		return false, err
	}
	statuses, err := m.fetchStatus(ctx, addr)
	if err != nil {
		m.noteBootstrapError(addr, err)
		return false, err
	}
	m.applyBootstrap(sessions, statuses)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/event", addr), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The event feed is long-lived; the 10s client timeout would kill it.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("event stream connect failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	m.markStreaming(conn, true)
	defer m.markStreaming(conn, false)
	log.Printf("✅ [MANAGER] Streaming events from %s (%s)", addr, conn.instance.Directory)

	scanner := bufio.NewScanner(resp.Body)
	// 1MB line buffer; large tool outputs overflow the 64KB default.
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, len(buf))

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var wire models.WireEvent
		if err := json.Unmarshal([]byte(data), &wire); err != nil || wire.Type == "" {
			continue // malformed frames are dropped silently
		}

		ev := models.SourceEvent{
			Source: "backend:" + addr,
			Type:   wire.Type,
			Data:   wire.Properties,
		}
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("event stream read failed: %w", err)
	}
	return true, fmt.Errorf("event stream closed by backend")
}

// fetchSessions loads the instance's current session list.
func (m *ConnectionManager) fetchSessions(ctx context.Context, addr string) ([]models.Session, error) {
	var sessions []models.Session
	if err := m.getJSON(ctx, fmt.Sprintf("http://%s/session", addr), &sessions); err != nil {
		return nil, fmt.Errorf("bootstrap session fetch failed: %w", err)
	}
	return sessions, nil
}

// fetchStatus loads the instance's sessionID→status snapshot, normalized to
// the internal vocabulary.
func (m *ConnectionManager) fetchStatus(ctx context.Context, addr string) (map[string]models.SessionStatus, error) {
	var raw map[string]string
	if err := m.getJSON(ctx, fmt.Sprintf("http://%s/session/status", addr), &raw); err != nil {
		return nil, fmt.Errorf("bootstrap status fetch failed: %w", err)
	}

	statuses := make(map[string]models.SessionStatus, len(raw))
	for id, st := range raw {
		statuses[id] = models.NormalizeStatus(st)
	}
	return statuses, nil
}

func (m *ConnectionManager) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// applyBootstrap feeds a snapshot into the world store. The very first
// snapshot of a fresh store uses the bulk setters; later snapshots (other
// backends, reconnects) upsert so one instance never clobbers another's
// sessions.
func (m *ConnectionManager) applyBootstrap(sessions []models.Session, statuses map[string]models.SessionStatus) {
	m.mu.Lock()
	first := !m.bootstrapped
	m.bootstrapped = true
	m.mu.Unlock()

	if first {
		m.world.SetSessions(sessions)
	} else {
		for _, s := range sessions {
			m.world.UpsertSession(s)
		}
	}
	m.world.SetStatus(statuses)
}

func (m *ConnectionManager) noteBootstrapError(addr string, err error) {
	log.Printf("⚠️ [MANAGER] Bootstrap failed for %s: %v", addr, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == 0 {
		m.world.SetConnectionStatus(models.ConnError)
	}
}

func (m *ConnectionManager) markStreaming(conn *backendConn, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if up {
		m.live++
	} else {
		m.live--
	}
	m.updateAggregateLocked()
}

// updateAggregateLocked derives the aggregate connection status: connected
// while at least one stream is live, connecting while a first attempt is
// outstanding, disconnected otherwise. Caller holds m.mu.
func (m *ConnectionManager) updateAggregateLocked() {
	switch {
	case m.live > 0:
		m.world.SetConnectionStatus(models.ConnConnected)
	case len(m.conns) > 0:
		m.world.SetConnectionStatus(models.ConnConnecting)
	default:
		m.world.SetConnectionStatus(models.ConnDisconnected)
	}
}
