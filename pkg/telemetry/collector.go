// Package telemetry collects privacy-safe usage data for quill sessions.
//
// The collector observes session activity (user and assistant turns, tool
// calls, file edits, compactions), derives implicit quality signals, and
// ships sanitized aggregates to the telemetry service under the consent
// policy resolved at initialization.
//
// The system does NOT collect:
// - Unredacted user input or assistant output
// - File contents or file paths (paths are one-way hashed)
// - API keys or credentials
//
// All recording methods are non-blocking: network I/O happens in the
// background and no telemetry failure interrupts the host application.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quillworks/quill/pkg/config"
	"github.com/quillworks/quill/pkg/consent"
	"github.com/quillworks/quill/pkg/httpclient"
	"github.com/quillworks/quill/pkg/sanitize"
	"github.com/quillworks/quill/pkg/signals"
	"github.com/quillworks/quill/pkg/uploader"
	"github.com/quillworks/quill/pkg/version"
)

// maxToolErrorLen bounds tool error strings carried in turn records.
const maxToolErrorLen = 200

// Collector orchestrates the session and turn lifecycle. It owns the
// current session and turn exclusively; the host serializes calls per
// session. Callers own the instance: there is no process-wide singleton.
type Collector struct {
	logger      *telemetryLogger
	slogger     *slog.Logger
	settings    *config.Settings
	resolver    *consent.Resolver
	httpClient  *http.Client
	environment string

	// customClient marks an injected HTTP client, which bypasses
	// test-run detection so the pipeline stays testable.
	customClient bool

	mu       sync.Mutex
	disabled bool
	status   consent.Status
	matcher  *sanitize.Matcher
	upOpts   uploader.Options
	up       *uploader.Uploader
	upUsed   bool
	tracker  *signals.Tracker
	session  *sessionState
	turn     *turnState

	// background tracks spawned network tasks so Shutdown can await
	// them instead of racing process exit.
	background sync.WaitGroup
}

// NewCollector builds a Collector for the given settings. The collector
// starts disabled; call Initialize to resolve consent and activate it.
// An optional custom HTTP client can be passed for testing.
func NewCollector(logger *slog.Logger, settings *config.Settings, customHTTPClient ...*http.Client) *Collector {
	if settings == nil {
		settings = &config.Settings{}
	}
	var client *http.Client
	custom := len(customHTTPClient) > 0 && customHTTPClient[0] != nil
	if custom {
		client = customHTTPClient[0]
	} else {
		client = httpclient.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger:       newTelemetryLogger(logger),
		slogger:      logger,
		settings:     settings,
		resolver:     consent.NewResolver(settings, client, logger),
		httpClient:   client,
		customClient: custom,
		environment:  detectEnvironment(),
		disabled:     true,
		tracker:      signals.NewTracker(),
	}
}

// Initialize resolves consent and, when telemetry is enabled, prepares
// the sanitizer and uploader. When disabled every subsequent recording
// call is a no-op.
func (c *Collector) Initialize(ctx context.Context, authToken string) {
	defer c.dontPanic("Initialize")

	// Test binaries never send real telemetry through the default
	// client.
	enabled := DefaultEnabled()
	if c.customClient {
		enabled = !envDisabled()
	}
	if !enabled {
		c.logger.Debug("Telemetry disabled by environment")
		return
	}

	status := c.resolver.Resolve(ctx, authToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = status
	if !status.TelemetryEnabled {
		c.logger.Debug("Telemetry disabled by consent", "tier", status.Tier)
		return
	}

	c.matcher = sanitize.NewMatcher(c.settings.ExcludePatterns...)
	c.upOpts = uploader.Options{
		Endpoint:      c.settings.EndpointOrDefault(),
		AuthToken:     authToken,
		BatchSize:     c.settings.BatchSizeOrDefault(),
		FlushInterval: c.settings.FlushInterval(),
		HTTPClient:    c.httpClient,
		Logger:        c.slogger,
	}
	c.up = uploader.New(c.upOpts)
	c.disabled = false
	c.logger.Debug("Telemetry enabled", "tier", status.Tier, "level", status.DataLevel, "environment", c.environment)
}

// Enabled reports whether the collector is recording.
func (c *Collector) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disabled
}

// StartSession opens a new session and registers it with the service in
// the background. An unauthenticated session is attributed to the
// anonymous install id. A still-open previous session is ended first,
// marked as not explicitly ended.
func (c *Collector) StartSession(ctx context.Context, id, userID, orgID string) {
	defer c.dontPanic("StartSession")

	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return
	}
	open := c.session != nil
	c.mu.Unlock()

	if open {
		c.logger.Warn("Previous session still open, ending it", "session_id", id)
		c.EndSession(ctx, false)
	}

	if userID == "" {
		userID = InstallID()
	}
	now := time.Now()

	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return
	}
	if c.upUsed {
		// The per-session uploader was shut down with the previous
		// session; bind a fresh one.
		c.up = uploader.New(c.upOpts)
	}
	c.upUsed = true
	c.session = &sessionState{
		id:         id,
		userID:     userID,
		orgID:      orgID,
		startedAt:  now,
		modelUsage: make(map[string]uploader.ModelUsage),
	}
	c.tracker.Reset()
	sess := uploader.Session{
		SessionID:   id,
		UserID:      userID,
		OrgID:       orgID,
		StartedAt:   now,
		Environment: c.environment,
		Tier:        string(c.status.Tier),
		DataLevel:   string(c.status.DataLevel),
		Version:     version.Version,
	}
	up := c.up
	c.mu.Unlock()

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		up.CreateSession(context.Background(), sess, nil)
	}()
}

// RecordUserMessage opens a new turn with the sanitized user payload. A
// previous in-flight turn is finalized first (and dropped if incomplete).
func (c *Collector) RecordUserMessage(msg UserMessage) {
	defer c.dontPanic("RecordUserMessage")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil {
		return
	}

	c.finalizeTurnLocked()

	c.turn = &turnState{
		turn: uploader.Turn{
			Index:     c.session.nextTurnIndex,
			CreatedAt: time.Now(),
			User: &uploader.Message{
				Content:        c.sanitizeContent(msg.Content),
				Length:         len(msg.Content),
				HasAttachments: msg.HasAttachments,
			},
		},
		hasUser: true,
	}
	c.session.nextTurnIndex++
	c.tracker.StartTurn()
}

// RecordAssistantMessage attaches the sanitized assistant payload to the
// open turn. Without an open turn the call silently returns: a turn is
// only opened by a user message.
func (c *Collector) RecordAssistantMessage(msg AssistantMessage) {
	defer c.dontPanic("RecordAssistantMessage")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil || c.turn == nil {
		return
	}

	c.turn.turn.Assistant = &uploader.Message{
		Content:      c.sanitizeContent(msg.Content),
		Length:       len(msg.Content),
		Model:        msg.Model,
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
		LatencyMS:    msg.Latency.Milliseconds(),
	}
	c.turn.cost = msg.Cost
	c.turn.hasAssistant = true
}

// RecordToolCall appends a tool-call record to the open turn. A failed
// tool call also registers a tool_error signal.
func (c *Collector) RecordToolCall(call ToolCall) {
	defer c.dontPanic("RecordToolCall")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil || c.turn == nil {
		return
	}

	errMsg := ""
	if call.Error != "" {
		errMsg = sanitize.Truncate(sanitize.Redact(call.Error), maxToolErrorLen)
	}
	c.turn.turn.ToolCalls = append(c.turn.turn.ToolCalls, uploader.ToolCall{
		Name:       call.Name,
		Success:    call.Success,
		DurationMS: call.Duration.Milliseconds(),
		Error:      errMsg,
	})
	if !call.Success {
		c.tracker.RecordError("tool_error")
	}
}

// RecordFileChange appends a file-change record to the open turn. Only a
// hashed path and the extension are kept. Changes to sensitive files are
// zero-effect: excluded from the turn and from the session line counts.
func (c *Collector) RecordFileChange(edit FileEdit) {
	defer c.dontPanic("RecordFileChange")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil || c.turn == nil {
		return
	}

	if c.matcher.IsSensitiveFile(edit.Path) {
		c.logger.Debug("Skipping sensitive file change", "path_hash", sanitize.HashPath(edit.Path))
		return
	}

	c.turn.turn.FileChanges = append(c.turn.turn.FileChanges, uploader.FileChange{
		PathHash:     sanitize.HashPath(edit.Path),
		Extension:    strings.ToLower(filepath.Ext(edit.Path)),
		LinesAdded:   edit.LinesAdded,
		LinesRemoved: edit.LinesRemoved,
	})
}

// RecordRetry counts a user retry and marks the open turn, if any, as
// retried.
func (c *Collector) RecordRetry() {
	defer c.dontPanic("RecordRetry")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil {
		return
	}
	c.tracker.RecordRetry()
	if c.turn != nil {
		c.turn.turn.Retried = true
	}
}

// RecordCompaction counts a history compaction.
func (c *Collector) RecordCompaction() {
	defer c.dontPanic("RecordCompaction")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil {
		return
	}
	c.tracker.RecordCompaction()
}

// RecordError adds an error kind to the session's signal set. Kinds are
// short classifications ("timeout", "rate_limit"), never raw messages.
func (c *Collector) RecordError(kind string) {
	defer c.dontPanic("RecordError")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil {
		return
	}
	c.tracker.RecordError(kind)
}

// RecordStepFinish closes the open turn once the assistant response and
// any trailing step are recorded. An incomplete turn stays open.
func (c *Collector) RecordStepFinish() {
	defer c.dontPanic("RecordStepFinish")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.session == nil || c.turn == nil {
		return
	}
	if c.turn.hasUser && c.turn.hasAssistant {
		c.finalizeTurnLocked()
	}
}

// EndSession finalizes any open turn, uploads the session aggregates and
// signals, and shuts the uploader down. Calling it with no active session
// is a no-op.
func (c *Collector) EndSession(ctx context.Context, explicit bool) {
	defer c.dontPanic("EndSession")

	c.mu.Lock()
	if c.disabled || c.session == nil {
		c.mu.Unlock()
		return
	}

	c.finalizeTurnLocked()
	sig := c.tracker.Signals(explicit)

	s := c.session
	now := time.Now()
	update := uploader.SessionUpdate{
		EndedAt:      &now,
		DurationMS:   now.Sub(s.startedAt).Milliseconds(),
		TurnCount:    s.turnCount,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Cost:         s.cost,
		ToolCalls:    s.toolCalls,
		ToolErrors:   s.toolErrors,
		LinesAdded:   s.linesAdded,
		LinesRemoved: s.linesRemoved,
		Signals:      &sig,
		ModelUsage:   s.modelUsage,
	}
	up := c.up
	c.session = nil
	c.turn = nil
	c.tracker.Reset()
	c.mu.Unlock()

	// Let the background session registration land first so the update
	// and final flush can be attributed.
	c.background.Wait()
	up.UpdateSession(ctx, update)
	up.Shutdown(ctx)
}

// Shutdown ends any open session as not explicitly ended and awaits all
// background work. Intended to be called once at process teardown.
func (c *Collector) Shutdown(ctx context.Context) {
	defer c.dontPanic("Shutdown")

	c.EndSession(ctx, false)
	c.background.Wait()
}

// SetOnline forwards connectivity transitions to the uploader.
func (c *Collector) SetOnline(online bool) {
	defer c.dontPanic("SetOnline")

	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	if up != nil {
		up.SetOnline(online)
	}
}

// finalizeTurnLocked closes the in-flight turn. A complete turn is
// appended to the upload queue and counted into the session aggregates;
// an incomplete one is dropped and logged, and the tracker stays in
// turn-in-progress so the drop surfaces as mid-turn abandonment.
func (c *Collector) finalizeTurnLocked() {
	t := c.turn
	if t == nil {
		return
	}
	c.turn = nil

	if !t.hasUser || !t.hasAssistant {
		c.logger.Debug("Dropping incomplete turn", "index", t.turn.Index, "has_user", t.hasUser, "has_assistant", t.hasAssistant)
		return
	}

	c.tracker.EndTurn()

	s := c.session
	s.turnCount++
	if a := t.turn.Assistant; a != nil {
		s.inputTokens += a.InputTokens
		s.outputTokens += a.OutputTokens
		s.cost += t.cost
		usage := s.modelUsage[a.Model]
		usage.Turns++
		usage.InputTokens += a.InputTokens
		usage.OutputTokens += a.OutputTokens
		usage.Cost += t.cost
		s.modelUsage[a.Model] = usage
	}
	for _, call := range t.turn.ToolCalls {
		s.toolCalls++
		if !call.Success {
			s.toolErrors++
		}
	}
	for _, change := range t.turn.FileChanges {
		s.linesAdded += change.LinesAdded
		s.linesRemoved += change.LinesRemoved
	}

	c.up.AddTurn(t.turn)
}

// sanitizeContent redacts and truncates message content, or drops it
// entirely at the metrics-only data level.
func (c *Collector) sanitizeContent(content string) string {
	if c.status.DataLevel == consent.DataLevelMetricsOnly {
		return ""
	}
	return sanitize.Truncate(sanitize.Redact(content), maxContentLen)
}

// dontPanic keeps telemetry internals from ever interrupting the host.
func (c *Collector) dontPanic(op string) {
	if r := recover(); r != nil {
		c.logger.Error("Recovered panic in telemetry", "op", op, "panic", r)
	}
}
