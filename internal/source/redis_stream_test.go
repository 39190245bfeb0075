package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentdeck/internal/models"

	"github.com/redis/go-redis/v9"
)

// fakeStreamClient implements XRead semantics over an in-memory log: a "$"
// read captures the tail once and only entries appended after that point are
// ever returned, a concrete id returns entries strictly after it, and an
// empty result reports redis.Nil like a blocked read timing out.
type fakeStreamClient struct {
	mu      sync.Mutex
	entries []redis.XMessage
	tail    int // index captured at the first "$" read; -1 until then
	pingErr error
	readErr error
}

func newFakeStreamClient() *fakeStreamClient {
	return &fakeStreamClient{tail: -1}
}

func (f *fakeStreamClient) append(id string, values map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, redis.XMessage{ID: id, Values: values})
}

func (f *fakeStreamClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.pingErr != nil {
		cmd.SetErr(f.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (f *fakeStreamClient) Close() error { return nil }

func (f *fakeStreamClient) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		cmd.SetErr(f.readErr)
		return cmd
	}

	last := a.Streams[1]
	start := len(f.entries)
	if last == "$" {
		if f.tail < 0 {
			f.tail = len(f.entries)
		}
		start = f.tail
	} else {
		for i, e := range f.entries {
			if e.ID == last {
				start = i + 1
				break
			}
		}
	}

	if start >= len(f.entries) {
		cmd.SetErr(redis.Nil)
		return cmd
	}

	msgs := append([]redis.XMessage(nil), f.entries[start:]...)
	cmd.SetVal([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}})
	return cmd
}

func testRedisSource(fake *fakeStreamClient) *RedisStreamSource {
	return &RedisStreamSource{
		client: fake,
		stream: "agentdeck:events",
		block:  time.Millisecond,
	}
}

func recvSourceEvent(t *testing.T, ch <-chan models.SourceEvent) models.SourceEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("source channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for source event")
		return models.SourceEvent{}
	}
}

func TestStreamStartsAtTailAndFollowsAppends(t *testing.T) {
	fake := newFakeStreamClient()
	// Backlog written before the source ever reads.
	fake.append("1-0", map[string]interface{}{"type": "session.updated", "data": `{"id":"ses-old-1"}`})
	fake.append("2-0", map[string]interface{}{"type": "session.updated", "data": `{"id":"ses-old-2"}`})
	fake.append("3-0", map[string]interface{}{"type": "session.updated", "data": `{"id":"ses-old-3"}`})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := testRedisSource(fake).Stream(ctx)

	// The pre-existing rows are never emitted.
	select {
	case ev := <-out:
		t.Fatalf("expected no events from backlog, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	fake.append("10-0", map[string]interface{}{"type": "session.updated", "data": `{"id":"ses-live"}`})
	fake.append("11-0", map[string]interface{}{"type": "session.status", "data": `{"sessionID":"ses-live","status":"running"}`})

	first := recvSourceEvent(t, out)
	if first.Type != "session.updated" || first.Source != "redis:agentdeck:events" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if string(first.Data) != `{"id":"ses-live"}` {
		t.Errorf("unexpected first payload: %s", first.Data)
	}

	second := recvSourceEvent(t, out)
	if second.Type != "session.status" {
		t.Errorf("expected appended rows in order, got %+v", second)
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected channel close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel did not close after cancel")
	}
}

func TestStreamSkipsMalformedEntries(t *testing.T) {
	fake := newFakeStreamClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := testRedisSource(fake).Stream(ctx)

	// Wait for the source's initial "$" read to capture the tail before
	// appending, so the appends are seen as live entries.
	for i := 0; i < 2000; i++ {
		fake.mu.Lock()
		captured := fake.tail >= 0
		fake.mu.Unlock()
		if captured {
			break
		}
		time.Sleep(time.Millisecond)
	}

	fake.append("1-0", map[string]interface{}{"data": `{"id":"ses-1"}`})              // missing type
	fake.append("2-0", map[string]interface{}{"type": "session.updated"})             // missing data
	fake.append("3-0", map[string]interface{}{"type": "session.updated", "data": "{"}) // invalid JSON
	fake.append("4-0", map[string]interface{}{"type": "session.updated", "data": `{"id":"ses-ok"}`})

	ev := recvSourceEvent(t, out)
	if string(ev.Data) != `{"id":"ses-ok"}` {
		t.Errorf("expected only the well-formed entry, got %+v", ev)
	}

	// Nothing else surfaces; the skipped entries still advanced the cursor.
	select {
	case extra := <-out:
		t.Errorf("unexpected extra event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamClosesOnReadError(t *testing.T) {
	fake := newFakeStreamClient()
	fake.readErr = errors.New("connection reset")

	out := testRedisSource(fake).Stream(context.Background())

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected closed channel on read failure")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel did not close on read failure")
	}
}

func TestAvailableReflectsPing(t *testing.T) {
	up := newFakeStreamClient()
	if !testRedisSource(up).Available(context.Background()) {
		t.Error("expected available when ping succeeds")
	}

	down := newFakeStreamClient()
	down.pingErr = errors.New("no route to host")
	if testRedisSource(down).Available(context.Background()) {
		t.Error("expected unavailable when ping fails")
	}
}
