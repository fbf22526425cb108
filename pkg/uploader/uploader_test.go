package uploader

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step is one scripted response; the last step repeats once the script
// is exhausted.
type step struct {
	status int
	body   string
	err    error
}

// scriptedTransport plays back a response script and captures requests.
type scriptedTransport struct {
	mu       sync.Mutex
	steps    []step
	next     int
	requests []*http.Request
	bodies   [][]byte
}

func newScriptedTransport(steps ...step) *scriptedTransport {
	if len(steps) == 0 {
		steps = []step{{status: http.StatusOK, body: "{}"}}
	}
	return &scriptedTransport{steps: steps}
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, body)
	} else {
		s.bodies = append(s.bodies, nil)
	}

	st := s.steps[min(s.next, len(s.steps)-1)]
	s.next++
	if st.err != nil {
		return nil, st.err
	}
	return &http.Response{
		StatusCode: st.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(st.body))),
		Header:     make(http.Header),
	}, nil
}

func (s *scriptedTransport) count(pathSuffix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if strings.HasSuffix(req.URL.Path, pathSuffix) {
			n += 1
		}
	}
	return n
}

func (s *scriptedTransport) lastBody(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.bodies)
	var out map[string]any
	require.NoError(t, json.Unmarshal(s.bodies[len(s.bodies)-1], &out))
	return out
}

const createdOK = `{"id":"r1","sessionId":"s1","created":true,"turnsAdded":0}`

func newTestUploader(transport *scriptedTransport, opts Options) *Uploader {
	opts.Endpoint = "https://telemetry.test"
	opts.HTTPClient = &http.Client{Transport: transport}
	u := New(opts)
	u.backoffBase = time.Millisecond
	return u
}

func turnN(i int) Turn {
	return Turn{Index: i, CreatedAt: time.Now(), User: &Message{Length: 3}, Assistant: &Message{Length: 4}}
}

func TestCreateSessionStoresRemoteID(t *testing.T) {
	transport := newScriptedTransport(step{status: http.StatusOK, body: createdOK})
	u := newTestUploader(transport, Options{AuthToken: "tok"})

	id := u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	require.Equal(t, "r1", id)
	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/sessions", req.URL.Path)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestCreateSessionFailureReturnsEmptyID(t *testing.T) {
	transport := newScriptedTransport(step{status: http.StatusBadRequest, body: "nope"})
	u := newTestUploader(transport, Options{})

	id := u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	assert.Empty(t, id)
	assert.Len(t, transport.requests, 1, "4xx is terminal, no retries")
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	transport := newScriptedTransport(step{status: http.StatusOK, body: createdOK})
	u := newTestUploader(transport, Options{BatchSize: 2})

	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)
	u.AddTurn(turnN(0))
	u.AddTurn(turnN(1))

	assert.Eventually(t, func() bool {
		return transport.count("/turns") == 1 && u.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFlushWithoutRemoteSessionRetainsTurns(t *testing.T) {
	transport := newScriptedTransport()
	u := newTestUploader(transport, Options{BatchSize: 10})

	u.AddTurn(turnN(0))
	u.AddTurn(turnN(1))
	u.Flush(t.Context())

	assert.Empty(t, transport.requests, "no upload without a remote session id")
	assert.Equal(t, 2, u.PendingCount())
}

func TestFlushFailurePrependsBatchPreservingOrder(t *testing.T) {
	transport := newScriptedTransport(
		step{status: http.StatusOK, body: createdOK},
		step{status: http.StatusInternalServerError},
		step{status: http.StatusInternalServerError},
		step{status: http.StatusInternalServerError},
		step{status: http.StatusOK, body: "{}"},
	)
	u := newTestUploader(transport, Options{BatchSize: 10})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.AddTurn(turnN(0))
	u.AddTurn(turnN(1))
	u.Flush(t.Context())

	assert.Equal(t, 3, transport.count("/turns"), "three attempts for a server error")
	assert.Equal(t, 2, u.PendingCount(), "failed batch retained")

	u.Flush(t.Context())
	assert.Equal(t, 0, u.PendingCount())

	body := transport.lastBody(t)
	turns := body["turns"].([]any)
	require.Len(t, turns, 2)
	assert.Equal(t, float64(0), turns[0].(map[string]any)["index"])
	assert.Equal(t, float64(1), turns[1].(map[string]any)["index"])
}

func TestClientErrorDiscardsBatch(t *testing.T) {
	transport := newScriptedTransport(
		step{status: http.StatusOK, body: createdOK},
		step{status: http.StatusBadRequest, body: "bad"},
	)
	u := newTestUploader(transport, Options{BatchSize: 10})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.AddTurn(turnN(0))
	u.Flush(t.Context())

	assert.Equal(t, 1, transport.count("/turns"), "4xx is not retried")
	assert.Equal(t, 0, u.PendingCount(), "unrecoverable payload discarded")
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	transport := newScriptedTransport(
		step{status: http.StatusOK, body: createdOK},
		step{status: http.StatusInternalServerError},
		step{status: http.StatusInternalServerError},
		step{status: http.StatusOK, body: "{}"},
	)
	u := newTestUploader(transport, Options{BatchSize: 10})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.AddTurn(turnN(0))
	u.Flush(t.Context())

	assert.Equal(t, 3, transport.count("/turns"))
	assert.Equal(t, 0, u.PendingCount())
}

func TestOfflineQueueing(t *testing.T) {
	transport := newScriptedTransport(step{status: http.StatusOK, body: createdOK})
	u := newTestUploader(transport, Options{BatchSize: 10})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.SetOnline(false)
	u.AddTurn(turnN(0))
	u.AddTurn(turnN(1))
	u.AddTurn(turnN(2))
	u.Flush(t.Context())

	u.mu.Lock()
	pending, offline := len(u.pending), len(u.offline)
	u.mu.Unlock()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 3, offline)
	assert.Equal(t, 0, transport.count("/turns"), "no network call while offline")

	u.SetOnline(true)

	assert.Equal(t, 1, transport.count("/turns"), "online transition drains immediately")
	assert.Equal(t, 0, u.PendingCount())

	turns := transport.lastBody(t)["turns"].([]any)
	assert.Len(t, turns, 3)
}

func TestNetworkFailureFlipsOffline(t *testing.T) {
	transport := newScriptedTransport(
		step{status: http.StatusOK, body: createdOK},
		step{err: errors.New("connection refused")},
	)
	u := newTestUploader(transport, Options{BatchSize: 10})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.AddTurn(turnN(0))
	u.Flush(t.Context())

	u.mu.Lock()
	offlined := u.offlined
	u.mu.Unlock()
	assert.True(t, offlined)
	assert.Equal(t, 1, u.PendingCount(), "turn retained after network failure")

	// Subsequent flushes reroute into the offline queue without touching
	// the network.
	before := transport.count("/turns")
	u.Flush(t.Context())
	assert.Equal(t, before, transport.count("/turns"))
}

func TestShutdownFlushesAndDrains(t *testing.T) {
	transport := newScriptedTransport(step{status: http.StatusOK, body: createdOK})
	u := newTestUploader(transport, Options{BatchSize: 10})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.AddTurn(turnN(0))
	// Simulate turns stranded in the offline queue after connectivity
	// came back without a drain.
	u.mu.Lock()
	u.offline = append(u.offline, turnN(1))
	u.mu.Unlock()

	u.Shutdown(t.Context())

	assert.Equal(t, 2, transport.count("/turns"))
	assert.Equal(t, 0, u.PendingCount())
}

func TestUpdateSessionBestEffort(t *testing.T) {
	transport := newScriptedTransport(
		step{status: http.StatusOK, body: createdOK},
		step{status: http.StatusInternalServerError},
	)
	u := newTestUploader(transport, Options{})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	now := time.Now()
	u.UpdateSession(t.Context(), SessionUpdate{EndedAt: &now, TurnCount: 1})

	// Retried like any outbound request, then dropped.
	assert.Equal(t, 3, transport.count("/sessions/r1"))
	assert.Equal(t, http.MethodPatch, transport.requests[1].Method)
}

func TestUpdateSessionWithoutRemoteIDSkips(t *testing.T) {
	transport := newScriptedTransport()
	u := newTestUploader(transport, Options{})

	u.UpdateSession(t.Context(), SessionUpdate{TurnCount: 1})

	assert.Empty(t, transport.requests)
}

func TestBufferCapDropsOldest(t *testing.T) {
	transport := newScriptedTransport()
	u := newTestUploader(transport, Options{BatchSize: 100, MaxBuffered: 2})

	for i := 0; i < 4; i++ {
		u.AddTurn(turnN(i))
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.pending, 2)
	assert.Equal(t, 2, u.pending[0].Index)
	assert.Equal(t, 3, u.pending[1].Index)
}

func TestFlushTimerFires(t *testing.T) {
	transport := newScriptedTransport(step{status: http.StatusOK, body: createdOK})
	u := newTestUploader(transport, Options{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	u.CreateSession(t.Context(), Session{SessionID: "s1"}, nil)

	u.AddTurn(turnN(0))

	assert.Eventually(t, func() bool {
		return transport.count("/turns") == 1 && u.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}
