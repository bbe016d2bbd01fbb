package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// previewLimit bounds ContentPreview length in runes.
const previewLimit = 140

// Message is one parsed transcript record. Immutable once produced.
type Message struct {
	Role             Role
	Timestamp        time.Time
	ContentPreview   string
	IsToolInvocation bool
	IsToolResult     bool
}

// ParseError describes a malformed transcript record. Callers skip the
// record and keep scanning; transcripts are append-only logs written by
// another process and tail corruption is expected.
type ParseError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("transcript %s: malformed record at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// jsonlEntry mirrors the transcript wire format: one JSON object per line.
type jsonlEntry struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type messageContent struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// ReadResult carries the messages appended since the previous offset,
// plus per-read bookkeeping.
type ReadResult struct {
	Messages  []Message
	SessionID string // sessionId seen in the chunk, if any
	Skipped   int    // malformed records skipped
}

// Read parses newly appended records from the transcript at path, starting
// at offset. It returns the parsed messages and the new offset to pass on
// the next call.
//
// A trailing line without a newline is still being written by the producer;
// it is withheld (offset not advanced past it) until a later read sees the
// completed line. Malformed complete lines are skipped and counted, and the
// offset advances past them.
func Read(path string, offset int64) (ReadResult, int64, error) {
	var result ReadResult

	f, err := os.Open(path)
	if err != nil {
		return result, offset, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return result, offset, err
		}
	}

	reader := bufio.NewReader(f)
	parsedOffset := offset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return result, parsedOffset, err
		}

		if len(line) == 0 {
			break
		}

		// Incomplete trailing line: withhold until a later read confirms
		// the record is complete.
		if line[len(line)-1] != '\n' {
			break
		}

		msg, sessionID, perr := parseLine(line[:len(line)-1])
		parsedOffset += int64(len(line))

		if perr != nil {
			result.Skipped++
			if err == io.EOF {
				break
			}
			continue
		}

		if sessionID != "" && result.SessionID == "" {
			result.SessionID = sessionID
		}
		if msg != nil {
			result.Messages = append(result.Messages, *msg)
		}

		if err == io.EOF {
			break
		}
	}

	return result, parsedOffset, nil
}

// parseLine decodes one complete transcript line. Returns a nil Message for
// well-formed records that carry no conversational content (e.g. summary or
// metadata entries).
func parseLine(data []byte) (*Message, string, error) {
	var entry jsonlEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, "", err
	}

	var ts time.Time
	if entry.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
			ts = t
		}
	}

	var role Role
	switch entry.Type {
	case "user":
		role = RoleUser
	case "assistant":
		role = RoleAssistant
	case "system":
		role = RoleSystem
	default:
		// Non-message entry types (summary, progress, ...) are valid
		// records but not messages.
		return nil, entry.SessionID, nil
	}

	msg := &Message{
		Role:      role,
		Timestamp: ts,
	}

	if entry.Message != nil {
		var content messageContent
		if err := json.Unmarshal(entry.Message, &content); err == nil {
			applyContent(msg, content.Content)
		}
	}

	return msg, entry.SessionID, nil
}

// applyContent extracts the preview text and tool markers from a message's
// content blocks. Content may be a plain string or a block array.
func applyContent(msg *Message, raw json.RawMessage) {
	if raw == nil {
		return
	}

	var text string
	if json.Unmarshal(raw, &text) == nil {
		msg.ContentPreview = truncatePreview(text)
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if msg.ContentPreview == "" {
				msg.ContentPreview = truncatePreview(block.Text)
			}
		case "tool_use":
			msg.IsToolInvocation = true
			if msg.ContentPreview == "" {
				msg.ContentPreview = truncatePreview(block.Name)
			}
		case "tool_result":
			msg.IsToolResult = true
		}
	}
}

func truncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit])
}
