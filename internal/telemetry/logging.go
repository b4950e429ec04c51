package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/basket/clawboard/internal/shared"
)

// Rotation limits for logs/system.jsonl.
const (
	logMaxSizeMB  = 50
	logMaxBackups = 5
	logMaxAgeDays = 28
)

type Options struct {
	HomeDir string
	Level   string
	// Console receives a copy of every record. Nil means os.Stdout; set
	// Quiet to write only to the file.
	Console io.Writer
	Quiet   bool
}

// NewLogger builds the process logger. Records are JSON, written to
// <HomeDir>/logs/system.jsonl (rotated) and, unless quiet, to the console.
// Records logged with a context pick up its trace id, actor and route.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "system.jsonl"),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   true,
	}

	var w io.Writer = file
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stdout
		}
		w = io.MultiWriter(console, file)
	}
	return New(w, opts.Level), file, nil
}

// New returns a logger writing redacted JSON records to w.
func New(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(contextHandler{Handler: h}).With("component", "clawboard")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); v != "" {
			if red := shared.Redact(v); red != v {
				return slog.String(a.Key, red)
			}
		}
	}
	return a
}

// contextHandler stamps request correlation fields from the record's context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if route := shared.RequestPath(ctx); route != "" {
		r.AddAttrs(slog.String("route", route))
	}
	if actor, ok := shared.ActorFrom(ctx); ok {
		r.AddAttrs(slog.String("actor", actor))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
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
