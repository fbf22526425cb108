package consent

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kofalt/go-memoize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/pkg/config"
)

// mockTransport serves canned consent responses and counts requests.
type mockTransport struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []*http.Request
}

func newMockTransport(status int, body string) *mockTransport {
	return &mockTransport{status: status, body: body}
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return &http.Response{
		StatusCode: m.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(m.body))),
		Header:     make(http.Header),
	}, nil
}

func (m *mockTransport) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

const proConsent = `{"userId":"u1","tier":"pro","telemetryEnabled":true,"dataLevel":"full"}`

func newTestResolver(t *testing.T, settings *config.Settings, transport *mockTransport) *Resolver {
	t.Helper()
	return NewResolver(settings, &http.Client{Transport: transport}, nil)
}

func TestExplicitDisableShortCircuits(t *testing.T) {
	disabled := false
	transport := newMockTransport(http.StatusOK, proConsent)
	r := newTestResolver(t, &config.Settings{Enabled: &disabled}, transport)

	status := r.Resolve(t.Context(), "tok")

	assert.False(t, status.TelemetryEnabled)
	assert.Equal(t, DataLevelMetricsOnly, status.DataLevel)
	assert.Zero(t, transport.requestCount(), "no network call when locally disabled")
}

func TestRemoteAnswerUsedAndCached(t *testing.T) {
	transport := newMockTransport(http.StatusOK, proConsent)
	r := newTestResolver(t, &config.Settings{}, transport)

	first := r.Resolve(t.Context(), "tok")
	second := r.Resolve(t.Context(), "tok")

	require.Equal(t, 1, transport.requestCount(), "second lookup within TTL must hit the cache")
	assert.Equal(t, first, second)
	assert.Equal(t, TierPro, first.Tier)
	assert.True(t, first.TelemetryEnabled)
	assert.Equal(t, "u1", first.UserID)

	req := transport.requests[0]
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "/api/v1/consent", req.URL.Path)
}

func TestCacheExpiryTriggersSecondLookup(t *testing.T) {
	transport := newMockTransport(http.StatusOK, proConsent)
	r := newTestResolver(t, &config.Settings{}, transport)
	r.cache = memoize.NewMemoizer(10*time.Millisecond, time.Minute)

	r.Resolve(t.Context(), "tok")
	time.Sleep(30 * time.Millisecond)
	r.Resolve(t.Context(), "tok")

	assert.Equal(t, 2, transport.requestCount())
}

func TestClearCacheForcesLookup(t *testing.T) {
	transport := newMockTransport(http.StatusOK, proConsent)
	r := newTestResolver(t, &config.Settings{}, transport)

	r.Resolve(t.Context(), "tok")
	r.ClearCache()
	r.Resolve(t.Context(), "tok")

	assert.Equal(t, 2, transport.requestCount())
}

func TestLocalOverridesApplyOnTopOfServerAnswer(t *testing.T) {
	enabled := false
	transport := newMockTransport(http.StatusOK, proConsent)
	r := newTestResolver(t, &config.Settings{DataLevel: "metrics-only"}, transport)

	status := r.Resolve(t.Context(), "tok")
	assert.True(t, status.TelemetryEnabled)
	assert.Equal(t, DataLevelMetricsOnly, status.DataLevel)

	// An explicit enabled=false is handled before any lookup.
	r2 := newTestResolver(t, &config.Settings{Enabled: &enabled}, newMockTransport(http.StatusOK, proConsent))
	assert.False(t, r2.Resolve(t.Context(), "tok").TelemetryEnabled)
}

func TestServerErrorFallsBackToDefaults(t *testing.T) {
	transport := newMockTransport(http.StatusInternalServerError, "boom")
	r := newTestResolver(t, &config.Settings{}, transport)

	status := r.Resolve(t.Context(), "tok")

	assert.Equal(t, TierFree, status.Tier)
	assert.True(t, status.TelemetryEnabled, "free tier defaults to enabled")
	assert.Equal(t, DataLevelFull, status.DataLevel)

	// Failures are not cached: the next lookup tries the service again.
	r.Resolve(t.Context(), "tok")
	assert.Equal(t, 2, transport.requestCount())
}

func TestNoCredentialDefaults(t *testing.T) {
	transport := newMockTransport(http.StatusOK, proConsent)
	r := newTestResolver(t, &config.Settings{}, transport)

	status := r.Resolve(t.Context(), "")

	assert.Zero(t, transport.requestCount())
	assert.Equal(t, TierFree, status.Tier)
	assert.True(t, status.TelemetryEnabled)
	assert.Equal(t, DataLevelFull, status.DataLevel)
}

func TestEnabledOverrideAppliesToDefaults(t *testing.T) {
	enabled := true
	r := newTestResolver(t, &config.Settings{Enabled: &enabled, DataLevel: "metrics-only"}, newMockTransport(http.StatusBadGateway, ""))

	status := r.Resolve(t.Context(), "tok")

	assert.True(t, status.TelemetryEnabled)
	assert.Equal(t, DataLevelMetricsOnly, status.DataLevel)
}
