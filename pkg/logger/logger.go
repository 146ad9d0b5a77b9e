// Package logger provides the slog handler and HTTP request logging used by the relay.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// NewHandler returns a JSON handler writing to stdout that adds the trace and span
// ids of the active span to every record. A nil opts uses slog defaults.
func NewHandler(opts *slog.HandlerOptions) slog.Handler {
	return newHandler(os.Stdout, opts)
}

func newHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return &traceHandler{Handler: slog.NewJSONHandler(w, opts)}
}

type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.Handler.Handle(ctx, record)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel converts a textual level such as "debug" or "WARN" into a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, err
	}

	return l, nil
}
