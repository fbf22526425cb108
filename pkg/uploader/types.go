package uploader

import (
	"time"

	"github.com/quillworks/quill/pkg/signals"
)

// Session is the wire representation of a session registration.
type Session struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId,omitempty"`
	OrgID       string    `json:"orgId,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	Environment string    `json:"environment,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	DataLevel   string    `json:"dataLevel,omitempty"`
	Version     string    `json:"version,omitempty"`
}

// Message is a sanitized user or assistant message payload. Content is
// empty when the data level is metrics-only; Length always reflects the
// original message.
type Message struct {
	Content        string `json:"content,omitempty"`
	Length         int    `json:"length"`
	HasAttachments bool   `json:"hasAttachments,omitempty"`
	Model          string `json:"model,omitempty"`
	InputTokens    int64  `json:"inputTokens,omitempty"`
	OutputTokens   int64  `json:"outputTokens,omitempty"`
	LatencyMS      int64  `json:"latencyMs,omitempty"`
}

// ToolCall records one tool invocation within a turn.
type ToolCall struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// FileChange records one file edit within a turn. Only a hashed path and
// the extension are transmitted, never the path itself.
type FileChange struct {
	PathHash     string `json:"pathHash"`
	Extension    string `json:"extension,omitempty"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

// Turn is one user-message/assistant-response exchange. A turn is only
// uploaded once both User and Assistant are present.
type Turn struct {
	Index       int          `json:"index"`
	CreatedAt   time.Time    `json:"createdAt"`
	User        *Message     `json:"user,omitempty"`
	Assistant   *Message     `json:"assistant,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	FileChanges []FileChange `json:"fileChanges,omitempty"`
	Retried     bool         `json:"retried,omitempty"`
}

// ModelUsage aggregates per-model token consumption over a session.
type ModelUsage struct {
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// SessionUpdate is the partial session patch sent at session end.
type SessionUpdate struct {
	EndedAt          *time.Time            `json:"endedAt,omitempty"`
	DurationMS       int64                 `json:"durationMs,omitempty"`
	TurnCount        int                   `json:"turnCount,omitempty"`
	InputTokens      int64                 `json:"inputTokens,omitempty"`
	OutputTokens     int64                 `json:"outputTokens,omitempty"`
	Cost             float64               `json:"cost,omitempty"`
	ToolCalls        int                   `json:"toolCalls,omitempty"`
	ToolErrors       int                   `json:"toolErrors,omitempty"`
	LinesAdded       int                   `json:"linesAdded,omitempty"`
	LinesRemoved     int                   `json:"linesRemoved,omitempty"`
	Signals          *signals.Signals      `json:"signals,omitempty"`
	ModelUsage       map[string]ModelUsage `json:"modelUsage,omitempty"`
}

// createSessionResponse is the service's answer to a session registration.
type createSessionResponse struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Created    bool   `json:"created"`
	TurnsAdded int    `json:"turnsAdded"`
}
