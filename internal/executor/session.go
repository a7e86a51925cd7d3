package executor

import "time"

// State is the lifecycle state of a command session. States only move
// forward: Starting → Running → one of the terminal states.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Session holds metadata for one running external-command invocation.
type Session struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Target    string    `json:"target"`
	Port      string    `json:"port,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventKind tags a single streamed line of command output.
type EventKind string

const (
	EventInfo     EventKind = "info"
	EventCommand  EventKind = "command"
	EventOutput   EventKind = "output"
	EventProgress EventKind = "progress"
	EventPartial  EventKind = "partial"
	EventSuccess  EventKind = "success"
	EventError    EventKind = "error"
	EventWarning  EventKind = "warning"
)

// Event is one immutable output event of a session. Seq is monotonic per
// session; subscribers see events in non-decreasing Seq order.
type Event struct {
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
