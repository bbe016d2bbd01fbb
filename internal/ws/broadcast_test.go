package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/session-radar/backend/internal/session"
)

func testConn(filter string, buffer int) *Conn {
	return &Conn{
		id:          "test-conn",
		send:        make(chan []byte, buffer),
		filter:      filter,
		lastVersion: make(map[string]uint64),
	}
}

func entryFor(id string, state session.State, version uint64, projectPath string) session.Entry {
	return session.Entry{
		Snapshot: session.StateSnapshot{
			SessionID:  id,
			State:      state,
			ComputedAt: time.Now(),
		},
		Meta:    session.Meta{ProjectPath: projectPath},
		Version: version,
	}
}

func recvMessage(t *testing.T, c *Conn, timeout time.Duration) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outgoing frame")
		return ServerMessage{}
	}
}

func TestConnAcceptVersionGate(t *testing.T) {
	c := testConn("", 4)

	out := c.accept([]session.Entry{entryFor("s1", session.Active, 5, "/p")})
	if len(out) != 1 {
		t.Fatalf("first delivery filtered: %d entries", len(out))
	}

	// Same and older versions are duplicates from this connection's view.
	out = c.accept([]session.Entry{
		entryFor("s1", session.Active, 5, "/p"),
		entryFor("s1", session.Idle, 3, "/p"),
	})
	if len(out) != 0 {
		t.Errorf("stale versions delivered: %d entries", len(out))
	}

	out = c.accept([]session.Entry{entryFor("s1", session.Idle, 6, "/p")})
	if len(out) != 1 {
		t.Errorf("newer version filtered: %d entries", len(out))
	}
}

func TestConnAcceptTracksSessionsIndependently(t *testing.T) {
	c := testConn("", 4)

	c.accept([]session.Entry{entryFor("s1", session.Active, 10, "/p")})
	out := c.accept([]session.Entry{entryFor("s2", session.Active, 2, "/q")})
	if len(out) != 1 {
		t.Error("version gate must be per session, not global")
	}
}

func TestConnFilterMatching(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		entry  session.Entry
		want   bool
	}{
		{"empty_matches_all", "", entryFor("s1", session.Active, 1, "/any"), true},
		{"session_id_match", "s1", entryFor("s1", session.Active, 1, "/p"), true},
		{"session_id_mismatch", "s1", entryFor("s2", session.Active, 1, "/p"), false},
		{"project_prefix", "/home/user/proj", entryFor("s2", session.Active, 1, "/home/user/proj/sub"), true},
		{"project_mismatch", "/home/user/other", entryFor("s2", session.Active, 1, "/home/user/proj"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConn(tt.filter, 4)
			if got := c.matches(tt.entry); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnEnqueueReportsFullBuffer(t *testing.T) {
	c := testConn("", 1)

	if !c.enqueue([]byte("a")) {
		t.Fatal("enqueue into empty buffer failed")
	}
	if c.enqueue([]byte("b")) {
		t.Error("enqueue into full buffer should report failure")
	}

	c.shut()
	// After shut the buffer is gone; enqueue is a no-op, not a panic.
	if !c.enqueue([]byte("c")) {
		t.Error("enqueue after shut should be a silent no-op")
	}
	c.shut() // idempotent
}

func TestHubDeltaCoalescing(t *testing.T) {
	cache := session.NewCache(time.Minute)
	h := NewHub(cache, 50*time.Millisecond, time.Hour, 8)

	c := testConn("", 8)
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	// A burst of puts within one throttle window.
	for i, id := range []string{"s1", "s2", "s3"} {
		if _, err := cache.Put(session.StateSnapshot{
			SessionID:  id,
			State:      session.Active,
			ComputedAt: time.Now(),
		}, session.Meta{}, uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	msg := recvMessage(t, c, time.Second)
	if msg.Type != MsgDelta {
		t.Errorf("type = %s, want %s", msg.Type, MsgDelta)
	}
	if len(msg.Sessions) != 3 {
		t.Errorf("burst delivered %d entries in first frame, want 3", len(msg.Sessions))
	}

	select {
	case data := <-c.send:
		t.Errorf("burst produced a second frame: %s", data)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	cache := session.NewCache(time.Minute)
	h := NewHub(cache, 10*time.Millisecond, time.Hour, 8)

	c := testConn("", 1)
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	// Fill the buffer so the next frame cannot be enqueued.
	c.send <- []byte("stuck")

	if _, err := cache.Put(session.StateSnapshot{
		SessionID:  "s1",
		State:      session.Active,
		ComputedAt: time.Now(),
	}, session.Meta{}, 1); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		t.Error("dropped connection not shut")
	}
}

func TestHubResync(t *testing.T) {
	cache := session.NewCache(time.Minute)
	h := NewHub(cache, time.Hour, time.Hour, 8)

	for i, id := range []string{"s1", "s2", "s3"} {
		if _, err := cache.Put(session.StateSnapshot{
			SessionID:  id,
			State:      session.Idle,
			ComputedAt: time.Now(),
		}, session.Meta{}, uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	c := testConn("", 8)
	h.Resync(c, 1)

	msg := recvMessage(t, c, time.Second)
	if msg.Type != MsgSnapshot {
		t.Errorf("type = %s, want %s", msg.Type, MsgSnapshot)
	}
	if len(msg.Sessions) != 2 {
		t.Fatalf("resync since=1 returned %d entries, want 2", len(msg.Sessions))
	}
	for _, e := range msg.Sessions {
		if e.Version <= 1 {
			t.Errorf("resync included version %d", e.Version)
		}
	}
}

func TestHubFilteredConnSeesOnlyItsProject(t *testing.T) {
	cache := session.NewCache(time.Minute)
	h := NewHub(cache, 10*time.Millisecond, time.Hour, 8)

	c := testConn("/home/user/proj", 8)
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	if _, err := cache.Put(session.StateSnapshot{SessionID: "mine", State: session.Active, ComputedAt: time.Now()},
		session.Meta{ProjectPath: "/home/user/proj"}, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Put(session.StateSnapshot{SessionID: "other", State: session.Active, ComputedAt: time.Now()},
		session.Meta{ProjectPath: "/somewhere/else"}, 2); err != nil {
		t.Fatal(err)
	}

	msg := recvMessage(t, c, time.Second)
	if len(msg.Sessions) != 1 || msg.Sessions[0].Snapshot.SessionID != "mine" {
		t.Errorf("filtered delta = %+v", msg.Sessions)
	}
}
