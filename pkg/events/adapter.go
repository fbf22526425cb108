package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quillworks/quill/pkg/telemetry"
)

// Adapter subscribes a telemetry collector to the host's event bus and
// forwards each notification as the corresponding recording call. It is
// thin by design: all derivation lives in the collector.
type Adapter struct {
	collector *telemetry.Collector
	logger    *slog.Logger

	mu      sync.Mutex
	cancels []func()
}

func NewAdapter(collector *telemetry.Collector, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{collector: collector, logger: logger}
}

// Attach subscribes to the bus. It may be called for several buses; all
// subscriptions are cancelled by Close.
func (a *Adapter) Attach(bus Bus) {
	cancel := bus.Subscribe(a.Handle)

	a.mu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.mu.Unlock()
}

// Close cancels every subscription in reverse order of attachment, then
// shuts the collector down, ending any open session as abandoned.
func (a *Adapter) Close() {
	a.mu.Lock()
	cancels := a.cancels
	a.cancels = nil
	a.mu.Unlock()

	for i := len(cancels) - 1; i >= 0; i-- {
		cancels[i]()
	}

	a.collector.Shutdown(context.Background())
}

// Handle forwards one host event to the collector.
func (a *Adapter) Handle(ev Event) {
	switch e := ev.(type) {
	case SessionCreated:
		a.collector.StartSession(context.Background(), e.SessionID, e.UserID, e.OrgID)
	case SessionDeleted:
		a.collector.EndSession(context.Background(), true)
	case SessionError:
		a.collector.RecordError(e.Kind)
	case MessageUpdated:
		a.handleMessage(e)
	case MessagePartUpdated:
		a.handlePart(e)
	case FileEdited:
		a.collector.RecordFileChange(telemetry.FileEdit{
			Path:         e.Path,
			LinesAdded:   e.LinesAdded,
			LinesRemoved: e.LinesRemoved,
		})
	case CompactionCompleted:
		a.collector.RecordCompaction()
	default:
		a.logger.Debug("Ignoring unknown telemetry event", "event", ev)
	}
}

func (a *Adapter) handleMessage(e MessageUpdated) {
	switch e.Role {
	case RoleUser:
		a.collector.RecordUserMessage(telemetry.UserMessage{
			Content:        e.Content,
			HasAttachments: e.HasAttachments,
		})
		if e.Retried {
			a.collector.RecordRetry()
		}
	case RoleAssistant:
		a.collector.RecordAssistantMessage(telemetry.AssistantMessage{
			Content:      e.Content,
			Model:        e.Model,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			Latency:      e.Latency,
			Cost:         e.Cost,
		})
	default:
		a.logger.Debug("Ignoring message with unknown role", "role", e.Role)
	}
}

func (a *Adapter) handlePart(e MessagePartUpdated) {
	switch p := e.Part.(type) {
	case ToolCallPart:
		a.collector.RecordToolCall(telemetry.ToolCall{
			Name:     p.Name,
			Success:  p.Status == ToolCompleted,
			Duration: p.Duration,
			Error:    p.Error,
		})
	case StepFinishPart:
		a.collector.RecordStepFinish()
	default:
		a.logger.Debug("Ignoring unknown message part", "part", e.Part)
	}
}
