// Package observability wires structured logging and tracing for the
// runtime. Logging is slog with a configurable level and format;
// tracing goes through the OpenTelemetry API so a deployment can
// install whatever provider it exports to.
package observability

import (
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerPrefix namespaces every tracer the runtime creates.
const TracerPrefix = "saw-runtime/"

// ParseLevel maps a config string onto a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// SetDefault installs the logger process-wide.
func SetDefault(l *slog.Logger) { slog.SetDefault(l) }

// Tracer returns a namespaced tracer for a runtime component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(TracerPrefix + component)
}
