package monitor

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/session-radar/backend/internal/config"
	"github.com/session-radar/backend/internal/procscan"
	"github.com/session-radar/backend/internal/session"
	"github.com/session-radar/backend/internal/transcript"
	"github.com/session-radar/backend/internal/watcher"
)

// noteKind is a nudge delivered to a session worker. Notes carry no data:
// the worker re-examines the transcript and process correlation on every
// note, so coalescing or dropping notes under load loses nothing.
type noteKind int

const (
	noteLook    noteKind = iota // transcript change event
	noteTick                    // process poll cycle completed
	noteRefresh                 // external invalidation, force re-emit
)

// worker is the single-writer actor for one session. All fields below
// stop are owned exclusively by the worker goroutine.
type worker struct {
	id          string
	path        string
	projectPath string
	notes       chan noteKind
	stop        chan struct{}

	offset       int64
	lastMtime    time.Time
	signal       ActivitySignal
	prev         *session.StateSnapshot
	missingSince time.Time
}

// Monitor wires the pipeline together: watcher events and process cycles
// in, classified cache entries out. Each session gets its own worker so a
// slow transcript read never stalls event handling for other sessions.
type Monitor struct {
	cfg        *config.Config
	cache      *session.Cache
	watch      *watcher.Watcher
	inspector  *procscan.Inspector
	classifier *Classifier
	notifier   *Notifier

	mu      sync.Mutex
	workers map[string]*worker
	correl  *procscan.Correlation
	wg      sync.WaitGroup
}

func NewMonitor(cfg *config.Config, cache *session.Cache, watch *watcher.Watcher, inspector *procscan.Inspector, notifier *Notifier) *Monitor {
	return &Monitor{
		cfg:       cfg,
		cache:     cache,
		watch:     watch,
		inspector: inspector,
		classifier: &Classifier{
			ActiveWindow:   cfg.Monitor.ActiveWindow,
			UserTurnGrace:  cfg.Monitor.UserTurnGrace,
			VeryStaleAfter: cfg.Monitor.CacheTTL,
		},
		notifier: notifier,
		workers:  make(map[string]*worker),
	}
}

// Run drives the pipeline until ctx is cancelled, then waits for all
// session workers to finish. The watcher and inspector loops are started
// here so shutdown tears down file watches and the poll timer together.
func (m *Monitor) Run(ctx context.Context) {
	go m.watch.Run(ctx)
	go m.inspector.Run(ctx)

	log.Printf("[monitor] started, watching %v", m.cfg.Watch.Roots)

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			log.Println("[monitor] stopped")
			return

		case ev := <-m.watch.Events():
			m.dispatch(ctx, ev)

		case records := <-m.inspector.Records():
			m.onProcessCycle(records)
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, ev watcher.Event) {
	w := m.workerFor(ctx, ev.SessionID, ev.Path)
	m.nudge(w, noteLook)
}

// onProcessCycle installs the fresh correlation, sweeps the cache, and
// nudges every worker to re-classify against the new process picture.
func (m *Monitor) onProcessCycle(records []procscan.Record) {
	m.mu.Lock()
	paths := make(map[string]string, len(m.workers))
	for id, w := range m.workers {
		paths[id] = w.projectPath
	}
	m.mu.Unlock()

	correl := procscan.Correlate(records, paths)

	m.mu.Lock()
	m.correl = correl
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	evicted := m.cache.Sweep(time.Now(), correl.Has)
	for _, id := range evicted {
		log.Printf("[monitor] session %s evicted (idle TTL)", id)
		m.finishSession(id)
	}

	for _, w := range workers {
		m.nudge(w, noteTick)
	}
}

// Refresh forces re-classification after an external invalidation.
// An empty id refreshes every session.
func (m *Monitor) Refresh(sessionID string) {
	m.mu.Lock()
	var targets []*worker
	if sessionID == "" {
		for _, w := range m.workers {
			targets = append(targets, w)
		}
	} else if w, ok := m.workers[sessionID]; ok {
		targets = append(targets, w)
	}
	m.mu.Unlock()

	for _, w := range targets {
		m.nudge(w, noteRefresh)
	}
}

// ActiveSessions reports the number of sessions with a live worker.
func (m *Monitor) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Monitor) workerFor(ctx context.Context, id, path string) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[id]; ok {
		return w
	}

	w := &worker{
		id:          id,
		path:        path,
		projectPath: transcript.ProjectPathForTranscript(path),
		notes:       make(chan noteKind, 8),
		stop:        make(chan struct{}),
	}
	m.workers[id] = w
	m.wg.Add(1)
	go m.runWorker(ctx, w)
	log.Printf("[monitor] tracking session %s (%s)", id, w.projectPath)
	return w
}

// nudge sends without blocking. A full queue means the worker already has
// pending notes; since every note triggers a full re-examination, dropping
// the extra one is safe.
func (m *Monitor) nudge(w *worker, kind noteKind) {
	select {
	case w.notes <- kind:
	default:
	}
}

func (m *Monitor) runWorker(ctx context.Context, w *worker) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case kind := <-w.notes:
			m.process(w, kind)
		}
	}
}

// finishSession removes a session's cache entry, worker and notification
// bookkeeping. Called on TTL eviction and on post-deletion grace expiry.
func (m *Monitor) finishSession(id string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()

	if ok {
		close(w.stop)
	}
	m.cache.Remove(id)
	if m.notifier != nil {
		m.notifier.Forget(id)
	}
}

func (m *Monitor) hasProcess(id string) (int32, bool) {
	m.mu.Lock()
	correl := m.correl
	m.mu.Unlock()
	if correl == nil {
		return 0, false
	}
	rec, ok := correl.Match(id)
	if !ok {
		return 0, false
	}
	return rec.PID, true
}

// process is the worker body: read any new transcript data, fold it into
// the activity signal, classify, and publish through the cache.
func (m *Monitor) process(w *worker, kind noteKind) {
	now := time.Now()

	info, statErr := os.Stat(w.path)
	exists := statErr == nil
	newData := false

	if exists {
		w.missingSince = time.Time{}

		// Only hit the file when something plausibly changed; ticks with
		// an unchanged mtime skip the read entirely.
		if kind == noteLook || w.offset == 0 || info.ModTime().After(w.lastMtime) {
			res, newOffset, err := transcript.Read(w.path, w.offset)
			if err != nil {
				if os.IsNotExist(err) {
					exists = false
				} else {
					log.Printf("[monitor] read %s: %v", w.path, err)
				}
			} else {
				if res.Skipped > 0 {
					log.Printf("[monitor] %s: skipped %d malformed records", w.id, res.Skipped)
				}
				newData = newOffset > w.offset
				w.offset = newOffset
				w.signal = w.signal.Fold(res.Messages)
				w.lastMtime = info.ModTime()
			}
		}
	}

	if !exists && w.missingSince.IsZero() {
		w.missingSince = now
	}

	pid, hasProc := m.hasProcess(w.id)

	// Deleted transcript with no referencing process past the grace
	// period: drop the session entirely.
	if !exists && !hasProc && now.Sub(w.missingSince) > m.cfg.Monitor.RemovalGrace {
		log.Printf("[monitor] session %s removed (transcript gone %s)", w.id, now.Sub(w.missingSince).Round(time.Second))
		m.finishSession(w.id)
		return
	}

	obs := Observation{
		SessionID:        w.id,
		Signal:           w.signal,
		TranscriptExists: exists,
		ProcessPresent:   hasProc,
		Now:              now,
	}
	snap, emit := m.classifier.Classify(obs, w.prev)
	if kind == noteRefresh {
		emit = true
	}
	w.prev = &snap

	if !emit {
		// Corroborating events extend the TTL even when the state is
		// unchanged; bare process ticks do not.
		if newData || kind == noteLook {
			m.cache.Touch(w.id, now)
		}
		return
	}

	version := m.cache.NextVersion()
	meta := session.Meta{
		TranscriptPath: w.path,
		ProjectPath:    w.projectPath,
		Summary:        w.signal.LastSummary,
		PID:            pid,
	}
	if _, err := m.cache.Put(snap, meta, version); err != nil {
		// Version went backward relative to a concurrent write; the
		// stored entry is newer, keep it.
		log.Printf("[monitor] session %s: %v", w.id, err)
		return
	}
	log.Printf("[monitor] session %s -> %s (%s)", w.id, snap.State, snap.Reason)
}
