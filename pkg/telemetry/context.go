package telemetry

import "context"

// contextKey is a type for context keys to avoid collisions
type contextKey string

const collectorContextKey contextKey = "telemetry_collector"

// WithCollector adds a collector to the context. Callers own the
// collector instance; nothing here is process-global.
func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorContextKey, c)
}

// FromContext retrieves the collector from context, or nil.
func FromContext(ctx context.Context) *Collector {
	if c, ok := ctx.Value(collectorContextKey).(*Collector); ok {
		return c
	}
	return nil
}

func RecordUserMessage(ctx context.Context, msg UserMessage) {
	if c := FromContext(ctx); c != nil {
		c.RecordUserMessage(msg)
	}
}

func RecordAssistantMessage(ctx context.Context, msg AssistantMessage) {
	if c := FromContext(ctx); c != nil {
		c.RecordAssistantMessage(msg)
	}
}

func RecordToolCall(ctx context.Context, call ToolCall) {
	if c := FromContext(ctx); c != nil {
		c.RecordToolCall(call)
	}
}

func RecordFileChange(ctx context.Context, edit FileEdit) {
	if c := FromContext(ctx); c != nil {
		c.RecordFileChange(edit)
	}
}

func RecordRetry(ctx context.Context) {
	if c := FromContext(ctx); c != nil {
		c.RecordRetry()
	}
}

func RecordCompaction(ctx context.Context) {
	if c := FromContext(ctx); c != nil {
		c.RecordCompaction()
	}
}

func RecordError(ctx context.Context, kind string) {
	if c := FromContext(ctx); c != nil {
		c.RecordError(kind)
	}
}

func EndSession(ctx context.Context, explicit bool) {
	if c := FromContext(ctx); c != nil {
		c.EndSession(ctx, explicit)
	}
}
