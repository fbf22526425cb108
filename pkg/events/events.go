// Package events defines the host notifications the telemetry adapter
// consumes. Each event kind is its own payload type so handlers can
// match exhaustively instead of poking at untyped maps.
package events

import "time"

// Event is a host notification. The set of implementations is closed.
type Event interface {
	isEvent()
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolStatus is the terminal state of a tool call.
type ToolStatus string

const (
	ToolCompleted ToolStatus = "completed"
	ToolErrored   ToolStatus = "error"
)

// SessionCreated announces a new interactive session.
type SessionCreated struct {
	SessionID string
	UserID    string
	OrgID     string
}

// SessionDeleted announces an explicitly ended session.
type SessionDeleted struct {
	SessionID string
}

// SessionError announces a session-level failure. Kind is a short
// classification, not a raw error message.
type SessionError struct {
	SessionID string
	Kind      string
}

// MessageUpdated announces a completed user or assistant message.
type MessageUpdated struct {
	SessionID      string
	Role           Role
	Content        string
	HasAttachments bool
	// Retried marks a user message that re-asks the previous request.
	Retried bool

	// Assistant-only fields.
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
	Cost         float64
}

// Part is one message-part payload. The set of implementations is closed.
type Part interface {
	isPart()
}

// ToolCallPart reports a finished tool call.
type ToolCallPart struct {
	Name     string
	Status   ToolStatus
	Duration time.Duration
	Error    string
}

// StepFinishPart reports that the assistant finished its final step.
type StepFinishPart struct{}

// MessagePartUpdated announces a finished message part.
type MessagePartUpdated struct {
	SessionID string
	Part      Part
}

// FileEdited announces a file change made by the agent.
type FileEdited struct {
	SessionID    string
	Path         string
	LinesAdded   int
	LinesRemoved int
}

// CompactionCompleted announces a history compaction.
type CompactionCompleted struct {
	SessionID string
}

func (SessionCreated) isEvent()      {}
func (SessionDeleted) isEvent()      {}
func (SessionError) isEvent()        {}
func (MessageUpdated) isEvent()      {}
func (MessagePartUpdated) isEvent()  {}
func (FileEdited) isEvent()          {}
func (CompactionCompleted) isEvent() {}

func (ToolCallPart) isPart()   {}
func (StepFinishPart) isPart() {}

// Bus is the host's event bus. Subscribe returns a cancellation handle
// that removes the subscription when invoked.
type Bus interface {
	Subscribe(fn func(Event)) (cancel func())
}
