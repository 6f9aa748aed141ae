// Package telemetry builds the process logger: JSON lines to
// <home>/logs/system.jsonl, secrets scrubbed, request ids lifted from the
// context.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawforge/internal/safety"
	"github.com/basket/clawforge/internal/shared"
)

// LogFile is the log path relative to the home directory.
const LogFile = "logs/system.jsonl"

// NewLogger opens the log file under homeDir and returns a logger writing
// to it, and to stdout unless quiet. The closer closes the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := filepath.Join(homeDir, filepath.FromSlash(LogFile))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return slog.New(NewHandler(w, level)).With("service", "clawforge"), file, nil
}

// NewHandler returns the handler NewLogger uses, writing to w.
func NewHandler(w io.Writer, level string) slog.Handler {
	json := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrub,
	})
	return contextHandler{Handler: json}
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if safety.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, safety.Placeholder)
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); v != "" {
			if clean := safety.Redact(v); clean != v {
				return slog.String(a.Key, clean)
			}
		}
	}
	return a
}

// contextHandler copies the ids carried by the context onto each record.
// trace_id is always present ("-" when unset); the others only when set.
// Keys the caller passed explicitly, on the record or through With, win.
type contextHandler struct {
	slog.Handler
	preset map[string]bool
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	have := make(map[string]bool, r.NumAttrs()+len(h.preset))
	for k := range h.preset {
		have[k] = true
	}
	r.Attrs(func(a slog.Attr) bool {
		have[a.Key] = true
		return true
	})
	r = r.Clone()
	if !have["trace_id"] {
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	}
	for _, f := range []struct {
		key string
		val string
	}{
		{"task_id", shared.TaskID(ctx)},
		{"session_id", shared.SessionID(ctx)},
		{"job_id", shared.JobID(ctx)},
		{"user_id", shared.UserID(ctx)},
	} {
		if f.val != "" && !have[f.key] {
			r.AddAttrs(slog.String(f.key, f.val))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := make(map[string]bool, len(h.preset)+len(attrs))
	for k := range h.preset {
		preset[k] = true
	}
	for _, a := range attrs {
		preset[a.Key] = true
	}
	return contextHandler{Handler: h.Handler.WithAttrs(attrs), preset: preset}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name), preset: h.preset}
}

// Component derives a child logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
