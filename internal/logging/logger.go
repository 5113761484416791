package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// ErrorSink receives log records that should additionally be surfaced on the
// agent's reserved "_error" intern sensor stream so operators can observe
// agent-level failures through the normal data path.
type ErrorSink interface {
	SendError(msg string)
}

// ErrorForwardingHandler wraps a slog.Handler and forwards every Error-level
// record to sink, in addition to normal handling. sink may be nil, in which
// case records are only logged normally (matching the source agent's
// behavior when its internal error sensor id is not yet known).
type ErrorForwardingHandler struct {
	next slog.Handler
	sink ErrorSink
}

// WithErrorForwarding wraps an existing Logger's handler.
func WithErrorForwarding(l *Logger, sink ErrorSink) *Logger {
	h := &ErrorForwardingHandler{next: l.Handler(), sink: sink}
	return &Logger{slog.New(h)}
}

func (h *ErrorForwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ErrorForwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError && h.sink != nil {
		h.sink.SendError(r.Message)
	}
	return h.next.Handle(ctx, r)
}

func (h *ErrorForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ErrorForwardingHandler{next: h.next.WithAttrs(attrs), sink: h.sink}
}

func (h *ErrorForwardingHandler) WithGroup(name string) slog.Handler {
	return &ErrorForwardingHandler{next: h.next.WithGroup(name), sink: h.sink}
}
