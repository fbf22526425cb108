package telemetry

import "log/slog"

// telemetryLogger wraps slog.Logger to prepend "[Telemetry]" to all
// messages, keeping telemetry noise easy to filter in host logs.
type telemetryLogger struct {
	logger *slog.Logger
}

func newTelemetryLogger(logger *slog.Logger) *telemetryLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &telemetryLogger{logger: logger}
}

func (tl *telemetryLogger) Debug(msg string, args ...any) {
	tl.logger.Debug("[Telemetry] "+msg, args...)
}

func (tl *telemetryLogger) Info(msg string, args ...any) {
	tl.logger.Info("[Telemetry] "+msg, args...)
}

func (tl *telemetryLogger) Warn(msg string, args ...any) {
	tl.logger.Warn("[Telemetry] "+msg, args...)
}

func (tl *telemetryLogger) Error(msg string, args ...any) {
	tl.logger.Error("[Telemetry] "+msg, args...)
}
