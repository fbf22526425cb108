package telemetry

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/quillworks/quill/pkg/paths"
)

// DefaultEnabled reports whether telemetry should be attempted at all for
// this process. It is false inside test binaries and when the environment
// kill switch is set.
func DefaultEnabled() bool {
	// Never send telemetry from test runs.
	if flag.Lookup("test.v") != nil {
		return false
	}
	return !envDisabled()
}

// envDisabled reports whether QUILL_TELEMETRY explicitly disables
// telemetry. Any value other than "false" leaves telemetry on.
func envDisabled() bool {
	return os.Getenv("QUILL_TELEMETRY") == "false"
}

// installIDPath returns the path of the persistent anonymous install id.
func installIDPath() string {
	return filepath.Join(paths.GetConfigDir(), "install-id")
}

// InstallID returns the persistent anonymous install identifier, creating
// it on first use. Sessions without an authenticated user are attributed
// to this id. If the id cannot be persisted a fresh one is returned for
// this process only.
func InstallID() string {
	return installIDFrom(installIDPath())
}

func installIDFrom(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
		// File exists but is empty or corrupt; generate a new id.
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return id
	}
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(id))); err != nil {
		return id
	}
	return id
}
