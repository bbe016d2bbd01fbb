package monitor

import (
	"time"

	"github.com/session-radar/backend/internal/transcript"
)

// ActivitySignal is the analyzer's digest of a session's message history.
// It is folded incrementally as new messages arrive; the zero value is the
// signal of an empty transcript.
type ActivitySignal struct {
	LastRole        transcript.Role
	LastMessageAt   time.Time
	PendingToolCall bool
	TurnCount       int
	LastSummary     string
}

// Fold returns the signal after consuming msgs in order. Pure function of
// the receiver and input: no I/O, deterministic, safe to replay.
func (s ActivitySignal) Fold(msgs []transcript.Message) ActivitySignal {
	for _, msg := range msgs {
		switch msg.Role {
		case transcript.RoleUser, transcript.RoleAssistant:
			s.TurnCount++
		}

		s.LastRole = msg.Role
		if !msg.Timestamp.IsZero() {
			s.LastMessageAt = msg.Timestamp
		}

		// A tool invocation stays pending until its result comes back
		// or the assistant moves on without one.
		switch {
		case msg.Role == transcript.RoleAssistant && msg.IsToolInvocation:
			s.PendingToolCall = true
		case msg.IsToolResult:
			s.PendingToolCall = false
		case msg.Role == transcript.RoleAssistant:
			s.PendingToolCall = false
		}

		if msg.ContentPreview != "" {
			s.LastSummary = string(msg.Role) + ": " + msg.ContentPreview
		}
	}
	return s
}

// Analyze builds the signal for a full message sequence from scratch.
func Analyze(msgs []transcript.Message) ActivitySignal {
	return ActivitySignal{}.Fold(msgs)
}
