package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStaleVersion is returned by Put when the incoming snapshot's version
// is not newer than the stored one. The stored entry is kept; the caller
// logs and moves on.
var ErrStaleVersion = errors.New("cache: stale snapshot version")

// Cache holds the latest classification per session. It is the single
// source of truth read by the broadcast hub; classifiers write through
// Put and never hand snapshots to readers directly.
//
// Writes are serialized per session via one lock per slot rather than a
// global lock, so concurrent updates to different sessions don't contend.
// Versions are issued from one monotone counter shared by all sessions,
// which also gives Since(version) a total order across the cache.
type Cache struct {
	ttl     time.Duration
	version atomic.Uint64

	mu      sync.RWMutex // guards the slots map, not entry contents
	slots   map[string]*slot
	onPut   []func(prev *StateSnapshot, entry Entry)
}

type slot struct {
	mu    sync.Mutex
	entry Entry
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:   ttl,
		slots: make(map[string]*slot),
	}
}

// Subscribe registers a callback invoked after every successful Put with
// the previous snapshot (nil on first observation) and a copy of the new
// entry. Must be called during wiring, before writers start.
func (c *Cache) Subscribe(fn func(prev *StateSnapshot, entry Entry)) {
	c.onPut = append(c.onPut, fn)
}

// NextVersion issues the version for a snapshot about to be computed.
// Taking the version before classification and gating Put on it keeps
// last-writer-wins correct under reordered concurrent updates.
func (c *Cache) NextVersion() uint64 {
	return c.version.Add(1)
}

func (c *Cache) slotFor(id string) *slot {
	c.mu.RLock()
	s, ok := c.slots[id]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[id]; ok {
		return s
	}
	s = &slot{}
	c.slots[id] = s
	return s
}

// Put stores a new entry for the snapshot's session, only if version is
// strictly greater than the stored version. Meta fields left empty keep
// their previous values.
func (c *Cache) Put(snap StateSnapshot, meta Meta, version uint64) (Entry, error) {
	s := c.slotFor(snap.SessionID)

	s.mu.Lock()
	if version <= s.entry.Version {
		s.mu.Unlock()
		return Entry{}, ErrStaleVersion
	}

	var prev *StateSnapshot
	if s.entry.Version > 0 {
		p := s.entry.Snapshot
		prev = &p
	}

	merged := meta
	if prev != nil {
		if merged.Summary == "" {
			merged.Summary = s.entry.Meta.Summary
		}
		if merged.PID == 0 {
			merged.PID = s.entry.Meta.PID
		}
		if merged.ProjectPath == "" {
			merged.ProjectPath = s.entry.Meta.ProjectPath
		}
	}
	if prev == nil || prev.State != snap.State {
		merged.StateChangedAt = snap.ComputedAt
	} else {
		merged.StateChangedAt = s.entry.Meta.StateChangedAt
	}

	s.entry = Entry{
		Snapshot:  snap,
		Meta:      merged,
		Version:   version,
		ExpiresAt: snap.ComputedAt.Add(c.ttl),
	}
	entry := s.entry
	s.mu.Unlock()

	for _, fn := range c.onPut {
		fn(prev, entry)
	}
	return entry, nil
}

// Get returns a copy of the latest entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	s, ok := c.slots[id]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.Version == 0 {
		return Entry{}, false
	}
	return s.entry, true
}

// All returns copies of every entry, ordered by session ID.
func (c *Cache) All() []Entry {
	c.mu.RLock()
	slots := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.RUnlock()

	entries := make([]Entry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.entry.Version > 0 {
			entries = append(entries, s.entry)
		}
		s.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Snapshot.SessionID < entries[j].Snapshot.SessionID
	})
	return entries
}

// Since returns every entry with a version strictly greater than v,
// ordered by version. Used by the pull-fallback resync path.
func (c *Cache) Since(v uint64) []Entry {
	all := c.All()
	entries := all[:0]
	for _, e := range all {
		if e.Version > v {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Version < entries[j].Version
	})
	return entries
}

// Touch extends an entry's expiry in response to a corroborating event
// that doesn't change state (e.g. a debounced write that parsed to
// nothing new).
func (c *Cache) Touch(id string, now time.Time) {
	c.mu.RLock()
	s, ok := c.slots[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.entry.Version > 0 {
		s.entry.ExpiresAt = now.Add(c.ttl)
	}
	s.mu.Unlock()
}

// Sweep evicts entries whose TTL has lapsed. Eviction is deferred while
// hasLiveProcess reports a correlated process for the session; the entry
// is re-checked on the next sweep. Returns the evicted session IDs.
func (c *Cache) Sweep(now time.Time, hasLiveProcess func(id string) bool) []string {
	var evicted []string
	for _, e := range c.All() {
		if now.Before(e.ExpiresAt) {
			continue
		}
		if hasLiveProcess != nil && hasLiveProcess(e.Snapshot.SessionID) {
			continue
		}
		c.Remove(e.Snapshot.SessionID)
		evicted = append(evicted, e.Snapshot.SessionID)
	}
	return evicted
}

// Remove drops the entry for id. The version counter is never rewound, so
// a subsequent Put for the same session still carries a newer version.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	delete(c.slots, id)
	c.mu.Unlock()
}

// InvalidateSession drops one entry so the next classification repopulates
// it. Exposed for external cache-busting triggers.
func (c *Cache) InvalidateSession(id string) {
	c.Remove(id)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.slots = make(map[string]*slot)
	c.mu.Unlock()
}

// Len reports the number of populated entries.
func (c *Cache) Len() int {
	return len(c.All())
}

// Version reports the highest version issued so far.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}
