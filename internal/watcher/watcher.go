package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/session-radar/backend/internal/transcript"
)

// Kind classifies a transcript change event.
type Kind int

const (
	Created Kind = iota
	Modified
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event is one debounced transcript change. The watcher never reads file
// contents; it only reports that the file changed.
type Event struct {
	SessionID string
	Path      string
	Kind      Kind
}

// Watcher recursively watches transcript roots and emits debounced change
// events. Directories that cannot be watched natively (inotify limit,
// permission) degrade to periodic rescans instead of failing.
type Watcher struct {
	roots          []string
	debounce       time.Duration
	rescanInterval time.Duration

	fs     *fsnotify.Watcher
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	pending  map[string]*pendingChange
	degraded map[string]bool      // dirs on the polling fallback
	known    map[string]time.Time // transcript mtimes for degraded dirs
	closed   bool
}

type pendingChange struct {
	timer *time.Timer
	kind  Kind
}

func New(roots []string, debounce, rescanInterval time.Duration) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		roots:          roots,
		debounce:       debounce,
		rescanInterval: rescanInterval,
		fs:             fs,
		events:         make(chan Event, 256),
		done:           make(chan struct{}),
		pending:        make(map[string]*pendingChange),
		degraded:       make(map[string]bool),
		known:          make(map[string]time.Time),
	}, nil
}

// Events delivers debounced change events until the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run sets up watches, announces existing transcripts as Created, and
// dispatches filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for _, root := range w.roots {
		w.watchTree(root)
	}
	w.announceExisting()

	ticker := time.NewTicker(w.rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				w.shutdown()
				return
			}
			w.handleFsEvent(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				w.shutdown()
				return
			}
			log.Printf("[watcher] fsnotify error: %v", err)

		case <-ticker.C:
			w.rescanDegraded()
		}
	}
}

// watchTree adds native watches for dir and all subdirectories. Any
// directory whose add fails joins the polling fallback; the failure is
// logged, never fatal.
func (w *Watcher) watchTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			log.Printf("[watcher] cannot watch %s, degrading to rescans: %v", path, err)
			w.mu.Lock()
			w.degraded[path] = true
			w.mu.Unlock()
		}
		return nil
	})
}

// announceExisting emits Created for transcripts already on disk so the
// consumer discovers sessions that predate the watcher.
func (w *Watcher) announceExisting() {
	for _, root := range w.roots {
		found, err := transcript.ListTranscripts(root)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[watcher] initial scan of %s: %v", root, err)
			}
			continue
		}
		for path := range found {
			w.note(path, Created)
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	// New directories join the watch tree (projects created after startup).
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.watchTree(ev.Name)
			return
		}
	}

	if !transcript.IsTranscript(ev.Name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.note(ev.Name, Created)
	case ev.Has(fsnotify.Write):
		w.note(ev.Name, Modified)
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.note(ev.Name, Removed)
	}
}

// note records a change for path and (re)arms its debounce timer. Bursts
// of writes within the window collapse to one event. Removal overrides a
// pending create/modify; an initial Created survives trailing writes.
func (w *Watcher) note(path string, kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[path]; ok {
		if kind == Removed {
			p.kind = Removed
		}
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingChange{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(path) })
	w.pending[path] = p
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	kind := p.kind
	w.mu.Unlock()

	ev := Event{
		SessionID: transcript.SessionIDFromPath(path),
		Path:      path,
		Kind:      kind,
	}
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// rescanDegraded polls directories that could not be watched natively,
// diffing transcript mtimes against the previous scan.
func (w *Watcher) rescanDegraded() {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.degraded))
	for d := range w.degraded {
		dirs = append(dirs, d)
	}
	w.mu.Unlock()

	for _, dir := range dirs {
		w.rescanDir(dir)
	}
}

func (w *Watcher) rescanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			w.reportMissing(dir)
		}
		return
	}

	current := make(map[string]time.Time)
	for _, e := range entries {
		if e.IsDir() || !transcript.IsTranscript(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		current[filepath.Join(dir, e.Name())] = info.ModTime()
	}

	w.mu.Lock()
	var notes []Event
	for path, mtime := range current {
		prev, seen := w.known[path]
		switch {
		case !seen:
			notes = append(notes, Event{Path: path, Kind: Created})
		case mtime.After(prev):
			notes = append(notes, Event{Path: path, Kind: Modified})
		}
		w.known[path] = mtime
	}
	for path := range w.known {
		if filepath.Dir(path) != dir {
			continue
		}
		if _, still := current[path]; !still {
			notes = append(notes, Event{Path: path, Kind: Removed})
			delete(w.known, path)
		}
	}
	w.mu.Unlock()

	for _, n := range notes {
		w.note(n.Path, n.Kind)
	}
}

// reportMissing emits Removed for every known transcript under a degraded
// directory that disappeared wholesale.
func (w *Watcher) reportMissing(dir string) {
	w.mu.Lock()
	var gone []string
	for path := range w.known {
		if filepath.Dir(path) == dir {
			gone = append(gone, path)
			delete(w.known, path)
		}
	}
	w.mu.Unlock()

	for _, path := range gone {
		w.note(path, Removed)
	}
}

// Health reports watch coverage for diagnostics.
func (w *Watcher) Health() (watchedRoots int, degradedDirs int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.roots), len(w.degraded)
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	_ = w.fs.Close()
	log.Println("[watcher] stopped")
}
