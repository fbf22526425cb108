// Package consent resolves whether telemetry is enabled and at what data
// level, combining local settings, a cached remote answer, and tier-based
// defaults. Resolution never fails: when the consent service cannot be
// reached the resolver falls back to conservative defaults.
package consent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kofalt/go-memoize"

	"github.com/quillworks/quill/pkg/config"
	"github.com/quillworks/quill/pkg/httpclient"
)

// Tier is the account-level classification controlling default telemetry
// behavior.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
)

// DataLevel is the fidelity of collected content.
type DataLevel string

const (
	DataLevelFull        DataLevel = "full"
	DataLevelMetricsOnly DataLevel = "metrics-only"
)

// Status is the resolved telemetry policy.
type Status struct {
	UserID           string    `json:"userId"`
	Tier             Tier      `json:"tier"`
	TelemetryEnabled bool      `json:"telemetryEnabled"`
	DataLevel        DataLevel `json:"dataLevel"`
}

// cacheTTL bounds how long a remote consent answer is reused before the
// service is asked again.
const cacheTTL = 5 * time.Minute

// Resolver resolves the telemetry consent status. It owns the TTL cache
// for remote answers and is its sole mutator.
type Resolver struct {
	settings *config.Settings
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	cache    *memoize.Memoizer
}

// NewResolver builds a Resolver for the given settings. A nil client
// falls back to the default quill HTTP client, a nil logger to
// slog.Default.
func NewResolver(settings *config.Settings, client *http.Client, logger *slog.Logger) *Resolver {
	if settings == nil {
		settings = &config.Settings{}
	}
	if client == nil {
		client = httpclient.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		settings: settings,
		endpoint: settings.EndpointOrDefault(),
		client:   client,
		logger:   logger,
		cache:    memoize.NewMemoizer(cacheTTL, 2*cacheTTL),
	}
}

// Resolve returns the consent status in effect. Each step short-circuits:
// a local explicit disable wins; then a fresh cached remote answer; then a
// remote lookup; then tier-based defaults. Resolve never returns an error:
// a failed lookup degrades to the default status.
func (r *Resolver) Resolve(ctx context.Context, authToken string) Status {
	if r.settings.ExplicitlyDisabled() {
		// The most restrictive data level applies even though nothing
		// will be collected.
		return Status{Tier: TierFree, TelemetryEnabled: false, DataLevel: DataLevelMetricsOnly}
	}

	if authToken != "" {
		result, err, cached := r.cache.Memoize(cacheKey(authToken), func() (any, error) {
			return r.fetch(ctx, authToken)
		})
		if err == nil {
			if status, ok := result.(Status); ok {
				r.logger.Debug("Resolved consent", "tier", status.Tier, "enabled", status.TelemetryEnabled, "level", status.DataLevel, "cached", cached)
				return status
			}
		} else {
			r.logger.Debug("Consent lookup failed, using defaults", "error", err)
		}
	}

	return r.defaultStatus()
}

// ClearCache drops any cached remote answer. Call it whenever the user
// changes consent-relevant configuration.
func (r *Resolver) ClearCache() {
	r.cache.Storage.Flush()
}

// fetch asks the consent service and applies local overrides on top of
// the server's answer. The returned status is what gets cached.
func (r *Resolver) fetch(ctx context.Context, authToken string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/api/v1/consent", http.NoBody)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create consent request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("consent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("consent request failed with status %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("failed to decode consent response: %w", err)
	}

	if r.settings.Enabled != nil {
		status.TelemetryEnabled = *r.settings.Enabled
	}
	if r.settings.DataLevel != "" {
		status.DataLevel = DataLevel(r.settings.DataLevel)
	}
	if status.DataLevel == "" {
		status.DataLevel = DataLevelFull
	}
	if status.Tier == "" {
		status.Tier = TierFree
	}

	return status, nil
}

// defaultStatus is the answer when no credential is present or the
// service gave no usable answer. Telemetry defaults on only for the free
// tier, unless the settings say otherwise.
func (r *Resolver) defaultStatus() Status {
	tier := TierFree

	enabled := tier == TierFree
	if r.settings.Enabled != nil {
		enabled = *r.settings.Enabled
	}

	level := DataLevelFull
	if r.settings.DataLevel != "" {
		level = DataLevel(r.settings.DataLevel)
	}

	return Status{Tier: tier, TelemetryEnabled: enabled, DataLevel: level}
}

// cacheKey derives the cache key from the credential without storing it.
func cacheKey(authToken string) string {
	sum := sha256.Sum256([]byte(authToken))
	return "consent:" + hex.EncodeToString(sum[:8])
}
