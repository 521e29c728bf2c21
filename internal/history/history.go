package history

import (
	"context"
	"time"
)

// Kind classifies a history record.
type Kind string

const (
	// KindLaunch marks profile-launch lifecycle transitions.
	KindLaunch Kind = "launch"
	// KindStreamEvent marks events forwarded from the sidecar stream.
	KindStreamEvent Kind = "stream_event"
	// KindEngine marks engine bootstrap actions.
	KindEngine Kind = "engine"
)

// Event is one audit record exported to external analytics systems.
type Event struct {
	Kind       Kind      `json:"kind"`
	ProfileID  string    `json:"profile_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }
