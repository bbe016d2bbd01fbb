package monitor

import (
	"time"

	"github.com/session-radar/backend/internal/session"
	"github.com/session-radar/backend/internal/transcript"
)

// Classifier turns an observation (activity signal + process correlation +
// transcript presence) into a discrete session state. Rules are evaluated
// in priority order; ambiguous cases resolve toward the less alarming
// state so the dashboard doesn't cry "awaiting input" on stale data.
type Classifier struct {
	// ActiveWindow is how long after the last assistant message the
	// session still counts as active.
	ActiveWindow time.Duration

	// UserTurnGrace is how long a user message with no assistant reply
	// keeps the session active before it falls back to idle.
	UserTurnGrace time.Duration

	// VeryStaleAfter caps the waiting-input heuristic: a session with a
	// live process but a transcript older than this classifies idle.
	VeryStaleAfter time.Duration
}

// Observation is one classification input. Process presence is advisory:
// it can promote a stale session to waiting-input but never demote one.
type Observation struct {
	SessionID        string
	Signal           ActivitySignal
	TranscriptExists bool
	ProcessPresent   bool
	Now              time.Time
}

// Classify computes the snapshot for obs. The returned bool reports
// whether the snapshot should be emitted: a state and confidence equal to
// prev's is suppressed as a no-op.
func (c *Classifier) Classify(obs Observation, prev *session.StateSnapshot) (session.StateSnapshot, bool) {
	snap := session.StateSnapshot{
		SessionID:  obs.SessionID,
		ComputedAt: obs.Now,
	}
	snap.State, snap.Reason, snap.Confidence = c.evaluate(obs)

	if prev != nil && prev.State == snap.State && prev.Confidence == snap.Confidence {
		return snap, false
	}
	return snap, true
}

func (c *Classifier) evaluate(obs Observation) (session.State, string, session.Confidence) {
	// Rule 1: the transcript file is gone.
	if !obs.TranscriptExists {
		return session.Disconnected, "transcript_gone", session.ConfidenceHigh
	}

	sig := obs.Signal
	age := obs.Now.Sub(sig.LastMessageAt)

	// Rule 2: assistant produced output recently, or a tool call is
	// still awaiting its result.
	if sig.PendingToolCall {
		return session.Active, "pending_tool_call", session.ConfidenceHigh
	}
	if sig.LastRole == transcript.RoleAssistant && age < c.ActiveWindow {
		return session.Active, "assistant_recent", session.ConfidenceHigh
	}

	// A fresh user message with no reply yet: the assistant is expected
	// to start working, so the session is active within the grace period.
	if sig.LastRole == transcript.RoleUser && age < c.UserTurnGrace {
		return session.Active, "user_turn_pending", session.ConfidenceHeuristic
	}

	// Rule 3: assistant output has gone stale but the tool is still open,
	// waiting on the human. Very stale transcripts classify idle instead:
	// a process lingering next to an hours-old transcript is more likely
	// a forgotten terminal than a session awaiting input.
	if sig.LastRole == transcript.RoleAssistant && obs.ProcessPresent {
		if c.VeryStaleAfter > 0 && age > c.VeryStaleAfter {
			return session.Idle, "transcript_very_stale", session.ConfidenceHeuristic
		}
		return session.WaitingInput, "assistant_stale_process_open", session.ConfidenceHeuristic
	}

	// Rule 4: nothing recent and no corroborating process.
	if sig.TurnCount == 0 {
		return session.Idle, "no_messages", session.ConfidenceHeuristic
	}
	if sig.LastRole == transcript.RoleUser {
		return session.Idle, "user_turn_stale", session.ConfidenceHeuristic
	}
	return session.Idle, "no_recent_activity", session.ConfidenceHeuristic
}
