package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func snap(id string, state State, at time.Time) StateSnapshot {
	return StateSnapshot{
		SessionID:  id,
		State:      state,
		ComputedAt: at,
		Reason:     "test",
		Confidence: ConfidenceHigh,
	}
}

func TestCachePutGet(t *testing.T) {
	c := NewCache(10 * time.Minute)
	now := time.Now()

	if _, ok := c.Get("s1"); ok {
		t.Error("Get on empty cache returned ok")
	}

	v := c.NextVersion()
	entry, err := c.Put(snap("s1", Active, now), Meta{ProjectPath: "/p"}, v)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Version != v {
		t.Errorf("entry version = %d, want %d", entry.Version, v)
	}

	got, ok := c.Get("s1")
	if !ok {
		t.Fatal("Get after Put returned !ok")
	}
	if got.Snapshot.State != Active {
		t.Errorf("state = %v, want Active", got.Snapshot.State)
	}
	if got.ExpiresAt.Before(now.Add(9 * time.Minute)) {
		t.Error("TTL not applied to ExpiresAt")
	}
}

func TestCacheRejectsStaleVersion(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()

	v1 := c.NextVersion()
	v2 := c.NextVersion()

	// The newer version lands first (reordered concurrent writers).
	if _, err := c.Put(snap("s1", Active, now), Meta{}, v2); err != nil {
		t.Fatal(err)
	}
	_, err := c.Put(snap("s1", Idle, now), Meta{}, v1)
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	got, _ := c.Get("s1")
	if got.Snapshot.State != Active {
		t.Errorf("stale write overwrote entry: %v", got.Snapshot.State)
	}
	if got.Version != v2 {
		t.Errorf("version = %d, want %d", got.Version, v2)
	}
}

func TestCacheSince(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()

	var versions []uint64
	for i := 0; i < 5; i++ {
		v := c.NextVersion()
		versions = append(versions, v)
		if _, err := c.Put(snap(fmt.Sprintf("s%d", i), Idle, now), Meta{}, v); err != nil {
			t.Fatal(err)
		}
	}

	entries := c.Since(versions[2])
	if len(entries) != 2 {
		t.Fatalf("Since(%d) returned %d entries, want 2", versions[2], len(entries))
	}
	for i, e := range entries {
		if e.Version <= versions[2] {
			t.Errorf("entry %d version %d not after %d", i, e.Version, versions[2])
		}
	}
	if entries[0].Version > entries[1].Version {
		t.Error("Since results not ordered by version")
	}
}

func TestCacheSweepEvictsExpired(t *testing.T) {
	c := NewCache(100 * time.Millisecond)
	now := time.Now()

	if _, err := c.Put(snap("s1", Idle, now.Add(-time.Second)), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(snap("s2", Idle, now), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}

	evicted := c.Sweep(now, nil)
	if len(evicted) != 1 || evicted[0] != "s1" {
		t.Fatalf("evicted = %v, want [s1]", evicted)
	}
	if _, ok := c.Get("s1"); ok {
		t.Error("s1 still present after eviction")
	}
	if _, ok := c.Get("s2"); !ok {
		t.Error("s2 should survive the sweep")
	}
}

func TestCacheSweepDefersForLiveProcess(t *testing.T) {
	c := NewCache(time.Millisecond)
	now := time.Now()

	if _, err := c.Put(snap("s1", WaitingInput, now.Add(-time.Hour)), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}

	evicted := c.Sweep(now, func(id string) bool { return id == "s1" })
	if len(evicted) != 0 {
		t.Fatalf("eviction not deferred: %v", evicted)
	}

	// Process gone: the next sweep evicts.
	evicted = c.Sweep(now, func(string) bool { return false })
	if len(evicted) != 1 {
		t.Fatalf("expected eviction after process exit, got %v", evicted)
	}
}

func TestCacheTouchExtendsTTL(t *testing.T) {
	c := NewCache(100 * time.Millisecond)
	start := time.Now().Add(-time.Second)

	if _, err := c.Put(snap("s1", Idle, start), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	c.Touch("s1", now)
	if evicted := c.Sweep(now, nil); len(evicted) != 0 {
		t.Fatalf("touched entry evicted: %v", evicted)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		if _, err := c.Put(snap(id, Idle, now), Meta{}, c.NextVersion()); err != nil {
			t.Fatal(err)
		}
	}

	c.InvalidateSession("a")
	if _, ok := c.Get("a"); ok {
		t.Error("a still present after InvalidateSession")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("Len after InvalidateAll = %d, want 0", c.Len())
	}

	// Versions keep rising across invalidation so later puts still win.
	before := c.Version()
	if v := c.NextVersion(); v <= before {
		t.Errorf("version counter rewound: %d after %d", v, before)
	}
}

func TestCacheSubscriberSeesPrevSnapshot(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()

	var calls []struct {
		prev *StateSnapshot
		to   State
	}
	c.Subscribe(func(prev *StateSnapshot, entry Entry) {
		calls = append(calls, struct {
			prev *StateSnapshot
			to   State
		}{prev, entry.Snapshot.State})
	})

	if _, err := c.Put(snap("s1", Idle, now), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(snap("s1", Active, now), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 subscriber calls, got %d", len(calls))
	}
	if calls[0].prev != nil {
		t.Error("first put should have nil prev")
	}
	if calls[1].prev == nil || calls[1].prev.State != Idle {
		t.Error("second put should carry the previous snapshot")
	}
}

func TestCacheMetaMerge(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()

	if _, err := c.Put(snap("s1", Idle, now), Meta{ProjectPath: "/p", Summary: "first", PID: 42}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}
	// Empty meta fields keep their previous values.
	if _, err := c.Put(snap("s1", Active, now), Meta{}, c.NextVersion()); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Get("s1")
	if got.Meta.Summary != "first" || got.Meta.PID != 42 || got.Meta.ProjectPath != "/p" {
		t.Errorf("meta not merged: %+v", got.Meta)
	}
	if !got.Meta.StateChangedAt.Equal(now) {
		t.Errorf("StateChangedAt = %v, want %v", got.Meta.StateChangedAt, now)
	}
}

// Stored versions must be monotonic per session no matter how writers
// interleave, and the surviving entry must carry the highest version put.
func TestCacheVersionMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCache(time.Minute)
		now := time.Now()

		numWriters := rapid.IntRange(2, 8).Draw(t, "writers")
		putsPer := rapid.IntRange(1, 20).Draw(t, "puts_per_writer")
		sessions := rapid.IntRange(1, 4).Draw(t, "sessions")

		type job struct {
			id      string
			version uint64
		}
		var jobs []job
		for i := 0; i < numWriters*putsPer; i++ {
			id := fmt.Sprintf("s%d", i%sessions)
			jobs = append(jobs, job{id: id, version: c.NextVersion()})
		}

		var wg sync.WaitGroup
		for w := 0; w < numWriters; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := w; i < len(jobs); i += numWriters {
					j := jobs[i]
					_, err := c.Put(snap(j.id, Active, now), Meta{}, j.version)
					if err != nil && !errors.Is(err, ErrStaleVersion) {
						t.Errorf("unexpected put error: %v", err)
					}
				}
			}(w)
		}
		wg.Wait()

		maxPut := make(map[string]uint64)
		for _, j := range jobs {
			if j.version > maxPut[j.id] {
				maxPut[j.id] = j.version
			}
		}
		for id, want := range maxPut {
			got, ok := c.Get(id)
			if !ok {
				t.Fatalf("session %s missing after puts", id)
			}
			if got.Version != want {
				t.Errorf("session %s version = %d, want max %d", id, got.Version, want)
			}
		}
	})
}
