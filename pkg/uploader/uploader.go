// Package uploader delivers recorded turns to the telemetry service. It
// batches turns, flushes on size or time triggers, retries transient
// failures with bounded backoff, and queues turns while offline. Delivery
// is best-effort: buffers are in-memory only and lost on crash.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quillworks/quill/pkg/httpclient"
)

const (
	defaultBatchSize     = 5
	defaultFlushInterval = 30 * time.Second
	defaultMaxBuffered   = 1000
	maxAttempts          = 3
	defaultBackoffBase   = time.Second
)

// errPermanent marks HTTP 4xx responses: the request is malformed or
// unauthorized, so retrying cannot help and the payload is discarded.
var errPermanent = errors.New("permanent request error")

// Options configures an Uploader. Zero fields fall back to defaults.
type Options struct {
	Endpoint      string
	AuthToken     string
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffered caps both the pending buffer and the offline queue.
	// When a queue exceeds the cap the oldest turns are dropped.
	MaxBuffered int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Uploader owns the outbound queue and the session's remote identifier.
// Recording paths only append to the pending buffer and never block on
// network I/O.
type Uploader struct {
	logger        *slog.Logger
	client        *http.Client
	endpoint      string
	authToken     string
	batchSize     int
	flushInterval time.Duration
	maxBuffered   int
	backoffBase   time.Duration

	mu       sync.Mutex
	remoteID string
	pending  []Turn
	offline  []Turn
	offlined bool
	timer    *time.Timer

	tasks sync.WaitGroup
}

func New(opts Options) *Uploader {
	u := &Uploader{
		logger:        opts.Logger,
		client:        opts.HTTPClient,
		endpoint:      opts.Endpoint,
		authToken:     opts.AuthToken,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		maxBuffered:   opts.MaxBuffered,
		backoffBase:   defaultBackoffBase,
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	if u.client == nil {
		u.client = httpclient.New()
	}
	if u.batchSize <= 0 {
		u.batchSize = defaultBatchSize
	}
	if u.flushInterval <= 0 {
		u.flushInterval = defaultFlushInterval
	}
	if u.maxBuffered <= 0 {
		u.maxBuffered = defaultMaxBuffered
	}
	return u
}

// CreateSession registers the session with the service and stores the
// returned remote identifier for subsequent turn uploads. On failure it
// logs and returns an empty id; turns then stay buffered until a session
// exists.
func (u *Uploader) CreateSession(ctx context.Context, session Session, initialTurns []Turn) string {
	body := map[string]any{"session": session}
	if len(initialTurns) > 0 {
		body["turns"] = initialTurns
	}

	var resp createSessionResponse
	if err := u.send(ctx, http.MethodPost, "/api/v1/sessions", body, &resp); err != nil {
		u.logger.Warn("Failed to create telemetry session", "session_id", session.SessionID, "error", err)
		return ""
	}

	u.mu.Lock()
	u.remoteID = resp.ID
	u.mu.Unlock()

	u.logger.Debug("Telemetry session created", "session_id", session.SessionID, "remote_id", resp.ID, "turns_added", resp.TurnsAdded)
	return resp.ID
}

// AddTurn appends a turn to the pending buffer. Reaching the batch size
// triggers an asynchronous flush; otherwise the flush timer is armed if
// not already running. AddTurn never blocks on network I/O.
func (u *Uploader) AddTurn(turn Turn) {
	u.mu.Lock()
	u.pending = append(u.pending, turn)
	u.pending = u.capLocked(u.pending, "pending")
	full := len(u.pending) >= u.batchSize
	if full {
		u.stopTimerLocked()
	} else if u.timer == nil {
		u.timer = time.AfterFunc(u.flushInterval, func() {
			u.Flush(context.Background())
		})
	}
	u.mu.Unlock()

	if full {
		u.tasks.Add(1)
		go func() {
			defer u.tasks.Done()
			u.Flush(context.Background())
		}()
	}
}

// Flush sends whatever is currently pending. Without a remote session id
// the buffer is retained for a later flush. While offline the pending
// buffer moves to the offline queue instead of hitting the network. On a
// failed send the batch is prepended back onto pending, preserving turn
// order, so no turn is silently dropped.
func (u *Uploader) Flush(ctx context.Context) {
	u.mu.Lock()
	u.stopTimerLocked()
	if len(u.pending) == 0 {
		u.mu.Unlock()
		return
	}
	if u.remoteID == "" {
		u.logger.Warn("No remote telemetry session, retaining turns", "buffered", len(u.pending))
		u.mu.Unlock()
		return
	}
	if u.offlined {
		u.offline = append(u.offline, u.pending...)
		u.offline = u.capLocked(u.offline, "offline")
		u.pending = nil
		u.mu.Unlock()
		return
	}
	batch := u.pending
	u.pending = nil
	remoteID := u.remoteID
	u.mu.Unlock()

	err := u.send(ctx, http.MethodPost, "/api/v1/sessions/"+remoteID+"/turns", map[string]any{"turns": batch}, nil)
	if err == nil {
		u.logger.Debug("Uploaded turns", "count", len(batch))
		return
	}
	if errors.Is(err, errPermanent) {
		u.logger.Warn("Turn upload rejected, discarding batch", "error", err, "turns", len(batch))
		return
	}

	u.logger.Warn("Turn upload failed, retaining batch", "error", err, "turns", len(batch))
	u.mu.Lock()
	u.pending = append(batch, u.pending...)
	u.pending = u.capLocked(u.pending, "pending")
	u.mu.Unlock()
}

// UpdateSession patches session-level fields, used at session end to set
// the end time, final signals, and the model-usage breakdown. Best-effort:
// failure is logged only.
func (u *Uploader) UpdateSession(ctx context.Context, update SessionUpdate) {
	u.mu.Lock()
	remoteID := u.remoteID
	u.mu.Unlock()
	if remoteID == "" {
		u.logger.Debug("No remote telemetry session, skipping session update")
		return
	}

	if err := u.send(ctx, http.MethodPatch, "/api/v1/sessions/"+remoteID, update, nil); err != nil {
		u.logger.Warn("Failed to update telemetry session", "error", err)
	}
}

// SetOnline records connectivity. The offline -> online transition drains
// the offline queue into pending and flushes once; the drain reuses the
// normal flush path so there is no separate delivery code to keep in sync.
func (u *Uploader) SetOnline(online bool) {
	u.mu.Lock()
	wasOffline := u.offlined
	u.offlined = !online
	drain := online && wasOffline && len(u.offline) > 0
	if drain {
		u.pending = append(u.offline, u.pending...)
		u.pending = u.capLocked(u.pending, "pending")
		u.offline = nil
	}
	u.mu.Unlock()

	if drain {
		u.Flush(context.Background())
	}
}

// Shutdown flushes pending turns and, if online, drains any offline queue
// and flushes again. Intended to be called once at process exit; buffered
// data is lost if the process dies first.
func (u *Uploader) Shutdown(ctx context.Context) {
	u.Flush(ctx)

	u.mu.Lock()
	drain := !u.offlined && len(u.offline) > 0
	if drain {
		u.pending = append(u.offline, u.pending...)
		u.offline = nil
	}
	u.stopTimerLocked()
	u.mu.Unlock()

	if drain {
		u.Flush(ctx)
	}

	u.tasks.Wait()
}

// PendingCount reports how many turns are buffered (pending plus offline).
func (u *Uploader) PendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending) + len(u.offline)
}

func (u *Uploader) stopTimerLocked() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

func (u *Uploader) capLocked(queue []Turn, name string) []Turn {
	if len(queue) <= u.maxBuffered {
		return queue
	}
	dropped := len(queue) - u.maxBuffered
	u.logger.Warn("Turn buffer full, dropping oldest turns", "queue", name, "dropped", dropped)
	return append([]Turn(nil), queue[dropped:]...)
}

// send performs one outbound request with up to maxAttempts attempts.
// 4xx responses are terminal. 5xx responses and network-level failures
// retry with exponential backoff (base doubling per attempt); a
// network-level failure additionally flips the uploader offline until
// SetOnline(true) is observed.
func (u *Uploader) send(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := u.backoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, u.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if u.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+u.authToken)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			u.markOffline()
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		done, err := u.handleResponse(resp, out)
		if done {
			return err
		}
		lastErr = err
	}

	return lastErr
}

// handleResponse consumes one response. done reports whether the request
// must not be retried.
func (u *Uploader) handleResponse(resp *http.Response, out any) (done bool, err error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return true, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return true, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return true, fmt.Errorf("%w: status %d: %s", errPermanent, resp.StatusCode, string(body))
	default:
		return false, fmt.Errorf("server error: status %d", resp.StatusCode)
	}
}

// markOffline flips the uploader into offline mode. Only SetOnline(true)
// brings it back.
func (u *Uploader) markOffline() {
	u.mu.Lock()
	if !u.offlined {
		u.logger.Debug("Network failure, entering offline mode")
		u.offlined = true
	}
	u.mu.Unlock()
}
