package store

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"agentdeck/internal/models"
)

func ms(v int64) *int64 { return &v }

func testSession(id, directory string, updated int64) models.Session {
	return models.Session{
		ID:        id,
		Title:     "session " + id,
		Directory: directory,
		Time:      models.SessionTime{Created: updated - 10, Updated: updated},
	}
}

func TestUpsertOrderIndependence(t *testing.T) {
	sessions := []models.Session{
		testSession("ses-a", "/proj/a", 100),
		testSession("ses-b", "/proj/b", 200),
		testSession("ses-c", "/proj/c", 300),
	}
	messages := []models.Message{
		{ID: "msg-1", SessionID: "ses-a", Role: "user", Time: models.MessageTime{Created: 110}},
		{ID: "msg-2", SessionID: "ses-a", Role: "assistant", Time: models.MessageTime{Created: 120}},
		{ID: "msg-3", SessionID: "ses-b", Role: "user", Time: models.MessageTime{Created: 210}},
	}
	parts := []models.Part{
		{ID: "prt-1", SessionID: "ses-a", MessageID: "msg-2", Type: "text", Text: "hello"},
		{ID: "prt-2", SessionID: "ses-a", MessageID: "msg-2", Type: "text", Text: "world"},
	}

	bulk := NewWorldStore()
	bulk.SetSessions(sessions)
	bulk.SetMessages(messages)
	bulk.SetParts(parts)

	// Scrambled upsert order, children before parents.
	scrambled := NewWorldStore()
	scrambled.UpsertPart(parts[1])
	scrambled.UpsertMessage(messages[2])
	scrambled.UpsertSession(sessions[2])
	scrambled.UpsertPart(parts[0])
	scrambled.UpsertMessage(messages[0])
	scrambled.UpsertSession(sessions[0])
	scrambled.UpsertMessage(messages[1])
	scrambled.UpsertSession(sessions[1])

	a, b := bulk.GetState(), scrambled.GetState()
	if !reflect.DeepEqual(a.Sessions, b.Sessions) {
		t.Errorf("bulk and upsert-permutation states differ:\nbulk:     %+v\nscrambled: %+v", a.Sessions, b.Sessions)
	}
	if a.ActiveSessionCount != b.ActiveSessionCount {
		t.Errorf("active counts differ: %d vs %d", a.ActiveSessionCount, b.ActiveSessionCount)
	}
}

func TestUpsertLastWriteWins(t *testing.T) {
	ws := NewWorldStore()

	first := testSession("ses-a", "/proj/a", 100)
	first.Title = "first title"
	ws.UpsertSession(first)

	second := testSession("ses-a", "/proj/a", 150)
	second.Title = "second title"
	ws.UpsertSession(second)

	state := ws.GetState()
	if len(state.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(state.Sessions))
	}
	if state.Sessions[0].Title != "second title" {
		t.Errorf("expected replacement wholesale, got title %q", state.Sessions[0].Title)
	}
	if state.Sessions[0].Time.Updated != 150 {
		t.Errorf("expected updated=150, got %d", state.Sessions[0].Time.Updated)
	}
}

func TestPartRedeliveryReplaces(t *testing.T) {
	ws := NewWorldStore()
	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))
	ws.UpsertMessage(models.Message{
		ID: "msg-1", SessionID: "ses-a", Role: "assistant",
		Time: models.MessageTime{Created: 110},
	})

	for _, text := range []string{"H", "He", "Hello"} {
		ws.UpsertPart(models.Part{
			ID: "part-1", SessionID: "ses-a", MessageID: "msg-1", Type: "text", Text: text,
		})
	}

	state := ws.GetState()
	msg := state.Sessions[0].Messages[0]
	if len(msg.Parts) != 1 {
		t.Fatalf("expected exactly one part, got %d", len(msg.Parts))
	}
	if msg.Parts[0].Text != "Hello" {
		t.Errorf("expected final revision %q, got %q", "Hello", msg.Parts[0].Text)
	}
	if !msg.IsStreaming {
		t.Error("assistant message without time.completed should be streaming")
	}
}

func TestStreamingFlagFlipsOnCompletion(t *testing.T) {
	ws := NewWorldStore()
	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))

	msg := models.Message{
		ID: "msg-1", SessionID: "ses-a", Role: "assistant",
		Time: models.MessageTime{Created: 110},
	}
	ws.UpsertMessage(msg)
	if !ws.GetState().Sessions[0].Messages[0].IsStreaming {
		t.Fatal("expected isStreaming=true before completion")
	}

	msg.Time.Completed = ms(190)
	ws.UpsertMessage(msg)
	if ws.GetState().Sessions[0].Messages[0].IsStreaming {
		t.Error("expected isStreaming=false after time.completed arrives")
	}

	// User messages never stream.
	ws.UpsertMessage(models.Message{
		ID: "msg-2", SessionID: "ses-a", Role: "user",
		Time: models.MessageTime{Created: 200},
	})
	if ws.GetState().Sessions[0].Messages[1].IsStreaming {
		t.Error("user messages must not report isStreaming")
	}
}

func TestContextUsagePercent(t *testing.T) {
	ws := NewWorldStore()
	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))

	// No completed assistant message yet.
	if got := ws.GetState().Sessions[0].ContextUsagePercent; got != 0 {
		t.Errorf("expected 0%% with no completed assistant message, got %v", got)
	}

	ws.UpsertMessage(models.Message{
		ID: "msg-1", SessionID: "ses-a", Role: "assistant",
		Time: models.MessageTime{Created: 110, Completed: ms(120)},
		Tokens: &models.Tokens{
			Input: 1000, Output: 500, Reasoning: 100,
			Cache: models.TokenCache{Read: 200, Write: 200},
		},
		Model: &models.ModelInfo{
			Name:   "big-model",
			Limits: models.ModelLimits{Context: 80000},
		},
	})

	// (1000+500+100+200+200) / 80000 = 2.5%
	if got := ws.GetState().Sessions[0].ContextUsagePercent; got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}

	// A later completed assistant message takes over, rounded to 2 decimals.
	ws.UpsertMessage(models.Message{
		ID: "msg-2", SessionID: "ses-a", Role: "assistant",
		Time:   models.MessageTime{Created: 130, Completed: ms(140)},
		Tokens: &models.Tokens{Input: 3000},
		Model: &models.ModelInfo{
			Name:   "big-model",
			Limits: models.ModelLimits{Context: 90000},
		},
	})
	if got := ws.GetState().Sessions[0].ContextUsagePercent; got != 3.33 {
		t.Errorf("expected 3.33, got %v", got)
	}

	// Missing token fields contribute 0.
	ws.UpsertMessage(models.Message{
		ID: "msg-3", SessionID: "ses-a", Role: "assistant",
		Time: models.MessageTime{Created: 150, Completed: ms(160)},
		Model: &models.ModelInfo{
			Name:   "big-model",
			Limits: models.ModelLimits{Context: 90000},
		},
	})
	if got := ws.GetState().Sessions[0].ContextUsagePercent; got != 0 {
		t.Errorf("expected 0 for message without tokens, got %v", got)
	}
}

func TestRecencyOrdering(t *testing.T) {
	ws := NewWorldStore()
	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))
	ws.UpsertSession(testSession("ses-b", "/proj/b", 300))
	ws.UpsertSession(testSession("ses-c", "/proj/c", 200))

	ids := func() []string {
		state := ws.GetState()
		out := make([]string, len(state.Sessions))
		for i, s := range state.Sessions {
			out[i] = s.ID
		}
		return out
	}

	if got := ids(); !reflect.DeepEqual(got, []string{"ses-b", "ses-c", "ses-a"}) {
		t.Errorf("expected recency order [ses-b ses-c ses-a], got %v", got)
	}

	// A new message bumps its session's activity above its updated time.
	ws.UpsertMessage(models.Message{
		ID: "msg-1", SessionID: "ses-a", Role: "user",
		Time: models.MessageTime{Created: 400},
	})
	if got := ids(); got[0] != "ses-a" {
		t.Errorf("expected ses-a first after message at t=400, got %v", got)
	}

	// Equal activity keys tie-break by id ascending.
	tied := NewWorldStore()
	tied.UpsertSession(testSession("ses-z", "/proj/z", 500))
	tied.UpsertSession(testSession("ses-y", "/proj/y", 500))
	if got := tied.GetState().Sessions[0].ID; got != "ses-y" {
		t.Errorf("expected tie broken by id ascending (ses-y first), got %s", got)
	}
}

func TestOrphanedEntitiesWaitForParents(t *testing.T) {
	ws := NewWorldStore()

	// Part arrives before its message and before its session.
	ws.UpsertPart(models.Part{
		ID: "part-1", SessionID: "ses-x", MessageID: "msg-x", Type: "text", Text: "early",
	})
	ws.UpsertMessage(models.Message{
		ID: "msg-orphan", SessionID: "ses-missing", Role: "user",
		Time: models.MessageTime{Created: 100},
	})

	state := ws.GetState()
	if len(state.Sessions) != 0 {
		t.Fatalf("orphans must not materialize sessions, got %d", len(state.Sessions))
	}

	// Parents arrive; the orphaned part appears exactly once.
	ws.UpsertMessage(models.Message{
		ID: "msg-x", SessionID: "ses-x", Role: "assistant",
		Time: models.MessageTime{Created: 110},
	})
	ws.UpsertSession(testSession("ses-x", "/proj/x", 120))

	state = ws.GetState()
	if len(state.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(state.Sessions))
	}
	msg := state.Sessions[0].Messages[0]
	if msg.ID != "msg-x" || len(msg.Parts) != 1 || msg.Parts[0].Text != "early" {
		t.Errorf("expected orphaned part adopted under msg-x, got %+v", msg)
	}
}

func TestStatusDefaultsAndActiveSessions(t *testing.T) {
	ws := NewWorldStore()
	ws.SetSessions([]models.Session{
		testSession("ses-a", "/proj/a", 200),
		testSession("ses-b", "/proj/b", 100),
	})
	ws.SetStatus(map[string]models.SessionStatus{"ses-a": models.StatusRunning})

	state := ws.GetState()
	if len(state.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(state.Sessions))
	}
	if state.ActiveSessionCount != 1 {
		t.Errorf("expected 1 active session, got %d", state.ActiveSessionCount)
	}
	if state.ActiveSession == nil || state.ActiveSession.ID != "ses-a" {
		t.Errorf("expected ses-a active, got %+v", state.ActiveSession)
	}

	for _, s := range state.Sessions {
		switch s.ID {
		case "ses-a":
			if s.Status != models.StatusRunning || !s.IsActive {
				t.Errorf("ses-a should be running/active, got %+v", s.Status)
			}
		case "ses-b":
			if s.Status != models.StatusCompleted || s.IsActive {
				t.Errorf("ses-b should default to completed, got %+v", s.Status)
			}
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeNotifiesEveryMutation(t *testing.T) {
	ws := NewWorldStore()

	var mu sync.Mutex
	var calls []int
	unsubscribe := ws.Subscribe(func(state models.WorldState) {
		mu.Lock()
		calls = append(calls, len(state.Sessions))
		mu.Unlock()
	})

	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))
	ws.UpsertSession(testSession("ses-b", "/proj/b", 200))

	waitUntil(t, "both notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})
	mu.Lock()
	got := append([]int(nil), calls...)
	mu.Unlock()
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("expected in-order notifications [1 2], got %v", got)
	}

	unsubscribe()
	ws.UpsertSession(testSession("ses-c", "/proj/c", 300))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	final := len(calls)
	mu.Unlock()
	if final != 2 {
		t.Errorf("expected no notifications after unsubscribe, got %d", final)
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	ws := NewWorldStore()

	ws.Subscribe(func(models.WorldState) { panic("bad subscriber") })
	notified := make(chan struct{}, 1)
	ws.Subscribe(func(models.WorldState) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	// Must not panic past the store boundary.
	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Error("healthy subscriber should still be notified")
	}
	if len(ws.GetState().Sessions) != 1 {
		t.Error("mutation should survive a panicking subscriber")
	}
}

func TestBlockingSubscriberDoesNotStallMutators(t *testing.T) {
	ws := NewWorldStore()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []int
	ws.Subscribe(func(state models.WorldState) {
		<-release
		mu.Lock()
		seen = append(seen, len(state.Sessions))
		mu.Unlock()
	})

	// Mutations must complete while the subscriber is stuck.
	done := make(chan struct{})
	go func() {
		ws.UpsertSession(testSession("ses-a", "/proj/a", 100))
		ws.UpsertSession(testSession("ses-b", "/proj/b", 200))
		ws.UpsertSession(testSession("ses-c", "/proj/c", 300))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mutators stalled behind a blocking subscriber")
	}
	if len(ws.GetState().Sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(ws.GetState().Sessions))
	}

	// Once unblocked, every buffered notification arrives in mutation order.
	close(release)
	waitUntil(t, "buffered notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	got := append([]int(nil), seen...)
	mu.Unlock()
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("expected notifications in mutation order [1 2 3], got %v", got)
	}
}

func TestReentrantSubscriberDoesNotDeadlock(t *testing.T) {
	ws := NewWorldStore()

	seen := make(chan int, 8)
	ws.Subscribe(func(models.WorldState) {
		// Calls back into the store from the callback.
		seen <- len(ws.GetState().Sessions)
	})

	ws.UpsertSession(testSession("ses-a", "/proj/a", 100))

	select {
	case n := <-seen:
		if n != 1 {
			t.Errorf("expected re-entrant read to observe 1 session, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant subscriber deadlocked")
	}
}

func TestConnectionStatusTransitions(t *testing.T) {
	ws := NewWorldStore()
	if got := ws.GetState().ConnectionStatus; got != models.ConnDisconnected {
		t.Errorf("fresh store should report disconnected, got %s", got)
	}

	ws.SetConnectionStatus(models.ConnConnecting)
	ws.SetConnectionStatus(models.ConnConnected)
	if got := ws.GetState().ConnectionStatus; got != models.ConnConnected {
		t.Errorf("expected connected, got %s", got)
	}
}
