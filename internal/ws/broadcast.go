package ws

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/session-radar/backend/internal/session"
)

// Conn is one dashboard client's push channel. Each connection owns a
// bounded outgoing buffer; a client that cannot drain it is dropped and
// must resync through the pull fallback rather than backpressure the hub.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	filter string

	mu          sync.Mutex
	closed      bool
	lastVersion map[string]uint64 // per-session acknowledged version
}

// shut marks the connection closed and closes its buffer exactly once.
func (c *Conn) shut() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// enqueue attempts a non-blocking send. Returns false when the buffer is
// full (the caller should drop the connection); true otherwise.
func (c *Conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func newConn(wsConn *websocket.Conn, filter string, buffer int) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		ws:          wsConn,
		send:        make(chan []byte, buffer),
		filter:      filter,
		lastVersion: make(map[string]uint64),
	}
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// accept filters entries down to those this connection should see and has
// not yet seen. A delta whose version is not newer than the acknowledged
// one for its session is skipped, which keeps per-session delivery
// monotonic even if the producer side reorders.
func (c *Conn) accept(entries []session.Entry) []session.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []session.Entry
	for _, e := range entries {
		if !c.matches(e) {
			continue
		}
		id := e.Snapshot.SessionID
		if e.Version <= c.lastVersion[id] {
			continue
		}
		c.lastVersion[id] = e.Version
		out = append(out, e)
	}
	return out
}

// matches applies the connection's subscription filter: empty matches
// everything, otherwise the session ID or project path must match.
func (c *Conn) matches(e session.Entry) bool {
	if c.filter == "" {
		return true
	}
	if e.Snapshot.SessionID == c.filter {
		return true
	}
	return strings.HasPrefix(e.Meta.ProjectPath, c.filter)
}

// Hub fans cache updates out to all connected clients. It subscribes to
// cache puts, coalesces bursts into one delta frame per throttle window,
// and periodically rebroadcasts a full snapshot so quiet clients reconverge.
type Hub struct {
	cache            *session.Cache
	throttle         time.Duration
	snapshotInterval time.Duration
	sendBuffer       int

	mu    sync.RWMutex
	conns map[*Conn]bool

	flushMu    sync.Mutex
	pending    []session.Entry
	flushTimer *time.Timer
}

func NewHub(cache *session.Cache, throttle, snapshotInterval time.Duration, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	h := &Hub{
		cache:            cache,
		throttle:         throttle,
		snapshotInterval: snapshotInterval,
		sendBuffer:       sendBuffer,
		conns:            make(map[*Conn]bool),
	}
	cache.Subscribe(func(_ *session.StateSnapshot, entry session.Entry) {
		h.queue(entry)
	})
	return h
}

// Run rebroadcasts full snapshots until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcastSnapshot()
		}
	}
}

// Add registers a websocket connection and sends it the full current
// snapshot (filtered by its subscription), seeding its version tracking.
func (h *Hub) Add(wsConn *websocket.Conn, filter string) *Conn {
	c := newConn(wsConn, filter, h.sendBuffer)

	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	entries := c.accept(h.cache.All())
	h.sendTo(c, ServerMessage{Type: MsgSnapshot, Sessions: entries})
	log.Printf("[hub] client %s connected (filter=%q)", c.id, filter)
	return c
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.shut()
}

// Resync answers a client's "give me everything since V" request on the
// push channel. The same data is available over HTTP for clients whose
// push transport dropped entirely.
func (h *Hub) Resync(c *Conn, since uint64) {
	entries := c.accept(h.cache.Since(since))
	h.sendTo(c, ServerMessage{Type: MsgSnapshot, Sessions: entries})
}

func (h *Hub) queue(entry session.Entry) {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.pending = append(h.pending, entry)
	if h.flushTimer == nil {
		h.flushTimer = time.AfterFunc(h.throttle, h.flush)
	}
}

func (h *Hub) flush() {
	h.flushMu.Lock()
	pending := h.pending
	h.pending = nil
	h.flushTimer = nil
	h.flushMu.Unlock()

	if len(pending) == 0 {
		return
	}

	for _, c := range h.snapshotConns() {
		entries := c.accept(pending)
		if len(entries) == 0 {
			continue
		}
		h.sendTo(c, ServerMessage{Type: MsgDelta, Sessions: entries})
	}
}

func (h *Hub) broadcastSnapshot() {
	all := h.cache.All()
	for _, c := range h.snapshotConns() {
		entries := c.accept(all)
		if len(entries) == 0 {
			continue
		}
		h.sendTo(c, ServerMessage{Type: MsgSnapshot, Sessions: entries})
	}
}

func (h *Hub) snapshotConns() []*Conn {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	return conns
}

// sendTo marshals and enqueues without blocking; a full buffer drops the
// connection. The dropped client recovers via resync or the pull endpoint.
func (h *Hub) sendTo(c *Conn, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[hub] marshal error: %v", err)
		return
	}

	if !c.enqueue(data) {
		log.Printf("[hub] client %s too slow, disconnecting", c.id)
		h.Remove(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shut()
	}
	log.Println("[hub] stopped")
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
