package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/session-radar/backend/internal/session"
)

// NotificationEvent signals a transition an external notifier collaborator
// may surface to the user. This core only emits events; it never renders
// or dispatches OS notifications.
type NotificationEvent struct {
	SessionID string        `json:"sessionId"`
	From      session.State `json:"fromState"`
	To        session.State `json:"toState"`
	At        time.Time     `json:"at"`
}

// Notifier subscribes to cache puts and decides which transitions are
// worth a notification. Transitions into active, waiting-input and
// disconnected qualify; transitions into idle never do. Repeated worthy
// transitions for one session within the cool-down collapse to one event.
type Notifier struct {
	cooldown time.Duration
	out      chan NotificationEvent

	mu          sync.Mutex
	lastSent    map[string]time.Time
	dropped     int64
	lastDropLog time.Time
}

func NewNotifier(cooldown time.Duration, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &Notifier{
		cooldown: cooldown,
		out:      make(chan NotificationEvent, buffer),
		lastSent: make(map[string]time.Time),
	}
}

// Events is consumed by the external notification collaborator.
func (n *Notifier) Events() <-chan NotificationEvent {
	return n.out
}

// Observe is registered as a cache subscriber.
func (n *Notifier) Observe(prev *session.StateSnapshot, entry session.Entry) {
	to := entry.Snapshot.State
	from := session.Idle
	if prev != nil {
		from = prev.State
	}

	if from == to || !worthy(to) {
		return
	}

	id := entry.Snapshot.SessionID
	at := entry.Snapshot.ComputedAt

	n.mu.Lock()
	if last, ok := n.lastSent[id]; ok && at.Sub(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[id] = at
	n.mu.Unlock()

	n.emit(NotificationEvent{SessionID: id, From: from, To: to, At: at})
}

// Forget clears cool-down tracking for a removed session.
func (n *Notifier) Forget(sessionID string) {
	n.mu.Lock()
	delete(n.lastSent, sessionID)
	n.mu.Unlock()
}

func worthy(to session.State) bool {
	switch to {
	case session.Active, session.WaitingInput, session.Disconnected:
		return true
	}
	return false
}

// emit sends without blocking. A consumer that falls behind loses events;
// drops are counted and logged at most once per 10 seconds.
func (n *Notifier) emit(ev NotificationEvent) {
	select {
	case n.out <- ev:
	default:
		n.mu.Lock()
		n.dropped++
		now := time.Now()
		if n.lastDropLog.IsZero() || now.Sub(n.lastDropLog) >= 10*time.Second {
			log.Printf("[notify] events dropped: %d (channel full)", n.dropped)
			n.dropped = 0
			n.lastDropLog = now
		}
		n.mu.Unlock()
	}
}
