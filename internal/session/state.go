package session

import (
	"encoding/json"
	"time"
)

// State is the classified activity state of a monitored session.
type State int

const (
	Idle State = iota
	Active
	WaitingInput
	Disconnected
)

var stateNames = map[State]string{
	Idle:         "idle",
	Active:       "active",
	WaitingInput: "waiting_input",
	Disconnected: "disconnected",
}

var stateFromName = map[string]State{
	"idle":          Idle,
	"active":        Active,
	"waiting_input": WaitingInput,
	"disconnected":  Disconnected,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// Confidence qualifies how a snapshot's state was derived.
type Confidence int

const (
	ConfidenceHigh Confidence = iota
	ConfidenceHeuristic
)

func (c Confidence) String() string {
	if c == ConfidenceHigh {
		return "high"
	}
	return "heuristic"
}

func (c Confidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Confidence) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "high" {
		*c = ConfidenceHigh
	} else {
		*c = ConfidenceHeuristic
	}
	return nil
}

// StateSnapshot is one computed classification. Immutable; a later
// classification supersedes it with a new snapshot, never a mutation.
type StateSnapshot struct {
	SessionID  string     `json:"sessionId"`
	State      State      `json:"state"`
	ComputedAt time.Time  `json:"computedAt"`
	Reason     string     `json:"reason"`
	Confidence Confidence `json:"confidence"`
}

// Meta is the slow-changing descriptive side of a session, carried along
// with snapshots so dashboard clients can label entries.
type Meta struct {
	TranscriptPath string    `json:"transcriptPath"`
	ProjectPath    string    `json:"projectPath"`
	Summary        string    `json:"summary,omitempty"`
	StateChangedAt time.Time `json:"stateChangedAt"`
	PID            int32     `json:"pid,omitempty"`
}

// Entry wraps a snapshot with the cache's version and expiry bookkeeping.
// Only the cache mutates entries; readers get copies.
type Entry struct {
	Snapshot  StateSnapshot `json:"snapshot"`
	Meta      Meta          `json:"meta"`
	Version   uint64        `json:"version"`
	ExpiresAt time.Time     `json:"expiresAt"`
}
