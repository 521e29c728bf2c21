package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Reserved event types emitted by the sidecar on its stdout stream.
// Unrecognized types are forwarded generically, never rejected.
const (
	EventTypeDaemonReady      = "DAEMON_READY"
	EventTypeDaemonShutdown   = "DAEMON_SHUTDOWN"
	EventTypeAck              = "ACK"
	EventTypeAuditCompleted   = "AUDIT_COMPLETED"
	EventTypeProfileConnected = "PROFILE_CONNECTED"
	EventTypeExtensionError   = "EXTENSION_ERROR"
	EventTypeCommandResult    = "COMMAND_RESULT"
	EventTypeError            = "ERROR"
)

// ShutdownID is the fixed correlation id of the termination command.
const ShutdownID = "shutdown_001"

// Command is one request sent host -> sidecar as a single JSON line on the
// sidecar's stdin. ID is unique per outstanding request within a session.
type Command struct {
	Command   string         `json:"command"`
	ID        string         `json:"id"`
	ProfileID string         `json:"profile_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event is one record received sidecar -> host on the sidecar's stdout.
// It is either unsolicited (lifecycle notifications, operation outcomes
// correlated by ProfileID) or an ACK correlated by ID.
type Event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Status    string         `json:"status,omitempty"`
	ProfileID string         `json:"profile_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// IsAck reports whether the event is a protocol-level acknowledgement.
// ACK confirms receipt only; the outcome of the requested operation, if
// any, arrives later as a separate event keyed by ProfileID.
func (e Event) IsAck() bool { return e.Type == EventTypeAck }

// ShutdownCommand returns the termination command the sidecar honors with
// a graceful self-exit.
func ShutdownCommand() Command {
	return Command{Command: "exit", ID: ShutdownID}
}

// EncodeCommand writes cmd as exactly one newline-terminated JSON record.
func EncodeCommand(w io.Writer, cmd Command) error {
	if cmd.Command == "" {
		return fmt.Errorf("encode command: empty command name")
	}
	if cmd.ID == "" {
		return fmt.Errorf("encode command %q: empty id", cmd.Command)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %q: %w", cmd.Command, err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write command %q: %w", cmd.Command, err)
	}
	return nil
}

// DecodeEvent parses a single line from the sidecar's stdout. A line that
// is not a JSON object is not a protocol error: the stream also carries
// free-form diagnostic text, so callers should log and skip such lines.
// ok is false when the line should be skipped.
func DecodeEvent(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}
