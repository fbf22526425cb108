// Package config provides the telemetry settings for quill.
// Settings are stored in ~/.config/quill/telemetry.yaml and can be
// overridden by the host application before the collector is initialized.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"

	"github.com/quillworks/quill/pkg/paths"
)

const (
	// DefaultEndpoint is the telemetry collection service base URL.
	DefaultEndpoint = "https://telemetry.quillworks.dev"

	// DefaultBatchSize is the number of turns buffered before a flush
	// is triggered.
	DefaultBatchSize = 5

	// DefaultFlushIntervalSeconds is the flush timer interval.
	DefaultFlushIntervalSeconds = 30
)

// Settings is the telemetry configuration consumed by the collector.
// The zero value means "use defaults".
type Settings struct {
	// Enabled overrides the consent service answer when set.
	// nil means "follow consent resolution".
	Enabled *bool `yaml:"enabled,omitempty"`
	// DataLevel overrides the collected content fidelity when set.
	// Valid values are "full" and "metrics-only".
	DataLevel string `yaml:"data_level,omitempty"`
	// Endpoint overrides the telemetry service base URL.
	Endpoint string `yaml:"endpoint,omitempty"`
	// BatchSize overrides the number of turns that triggers a flush.
	BatchSize int `yaml:"batch_size,omitempty"`
	// FlushIntervalSeconds overrides the flush timer interval.
	FlushIntervalSeconds int `yaml:"flush_interval_seconds,omitempty"`
	// ExcludePatterns are additional glob patterns for files whose
	// content must never be collected.
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
}

// Path returns the path to the telemetry settings file.
func Path() string {
	return filepath.Join(paths.GetConfigDir(), "telemetry.yaml")
}

// EndpointOrDefault returns the configured endpoint, or DefaultEndpoint.
func (s *Settings) EndpointOrDefault() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return DefaultEndpoint
}

// BatchSizeOrDefault returns the configured batch size, or DefaultBatchSize.
func (s *Settings) BatchSizeOrDefault() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

// FlushInterval returns the configured flush interval as a duration.
func (s *Settings) FlushInterval() time.Duration {
	if s.FlushIntervalSeconds > 0 {
		return time.Duration(s.FlushIntervalSeconds) * time.Second
	}
	return DefaultFlushIntervalSeconds * time.Second
}

// ExplicitlyDisabled reports whether the user turned telemetry off
// in the settings file.
func (s *Settings) ExplicitlyDisabled() bool {
	return s.Enabled != nil && !*s.Enabled
}

// Load loads the telemetry settings from the settings file.
// A missing file is not an error and yields the zero settings.
func Load() (*Settings, error) {
	return loadFrom(Path())
}

func loadFrom(path string) (*Settings, error) {
	settings := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	return settings, nil
}

// Save saves the settings to the settings file.
func (s *Settings) Save() error {
	return s.saveTo(Path())
}

func (s *Settings) saveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}
