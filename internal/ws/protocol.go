package ws

import (
	"github.com/session-radar/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgError    MessageType = "error"
)

// ServerMessage is what the hub sends to a client. Snapshot carries the
// full (filtered) entry set; delta carries only entries newer than what
// the connection has already acknowledged.
type ServerMessage struct {
	Type     MessageType     `json:"type"`
	Sessions []session.Entry `json:"sessions,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ClientMessage is what a client may send on the push channel.
// "resync" asks for everything with a version greater than Since.
type ClientMessage struct {
	Type  string `json:"type"`
	Since uint64 `json:"since"`
}
