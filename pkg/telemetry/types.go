package telemetry

import (
	"os"
	"time"

	"github.com/quillworks/quill/pkg/uploader"
)

// maxContentLen bounds the message content transmitted per turn. Longer
// content is truncated with a marker embedding the original length.
const maxContentLen = 2000

// UserMessage is the payload for a recorded user message. Recording a
// user message opens a new turn.
type UserMessage struct {
	Content        string
	HasAttachments bool
}

// AssistantMessage is the payload for a recorded assistant response.
type AssistantMessage struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
	Cost         float64
}

// ToolCall is the payload for a completed tool invocation.
type ToolCall struct {
	Name     string
	Success  bool
	Duration time.Duration
	Error    string
}

// FileEdit is the payload for a recorded file change.
type FileEdit struct {
	Path         string
	LinesAdded   int
	LinesRemoved int
}

// sessionState is the collector's view of the open session. The collector
// is the single writer; all access happens under the collector mutex.
type sessionState struct {
	id            string
	userID        string
	orgID         string
	startedAt     time.Time
	nextTurnIndex int
	turnCount     int
	inputTokens   int64
	outputTokens  int64
	cost          float64
	toolCalls     int
	toolErrors    int
	linesAdded    int
	linesRemoved  int
	modelUsage    map[string]uploader.ModelUsage
}

// turnState is the in-flight turn. A turn is complete, and eligible for
// upload, only once both the user and assistant payloads are present.
type turnState struct {
	turn         uploader.Turn
	cost         float64
	hasUser      bool
	hasAssistant bool
}

// detectEnvironment classifies where the CLI runs. Hosted environments
// (CI, cloud dev boxes) are flagged so sessions can be segmented
// server-side.
func detectEnvironment() string {
	for _, name := range []string{"QUILL_HOSTED", "CI", "CODESPACES", "GITPOD_WORKSPACE_ID"} {
		if os.Getenv(name) != "" {
			return "hosted"
		}
	}
	return "local"
}
