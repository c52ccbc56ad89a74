// Package logging provides structured logging for imapkit, wrapping
// log/slog with the IO/PARSE/SYNC/TASK/MESSAGE kind tags and CR/LF
// rendering this library's wire-level diagnostics need.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	accountKey contextKey = "account"
	mailboxKey contextKey = "mailbox"
	taskIDKey  contextKey = "task_id"
)

// Kind tags one structured log line by which subsystem produced it, per
// the taxonomy this client's diagnostics use: raw bytes in or out,
// a parse failure, a mailbox-synchroniser decision, scheduler activity,
// or a model mutation.
type Kind string

const (
	KindIORead     Kind = "IO_READ"
	KindIOWritten  Kind = "IO_WRITTEN"
	KindParseError Kind = "PARSE_ERROR"
	KindMailboxSync Kind = "MAILBOX_SYNC"
	KindTask       Kind = "TASK"
	KindMessage    Kind = "MESSAGE"
	KindOther      Kind = "OTHER"
)

// Logger wraps slog.Logger with imapkit-specific conveniences.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, text
	Output    string // stdout, stderr, or a file path
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: "stdout"}
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a ready-to-use logger with DefaultConfig.
func Default() *Logger {
	l, _ := New(DefaultConfig())
	return l
}

// WithTraceID attaches a per-operation trace ID to ctx. The caller
// supplies the ID; nothing in this module generates trace IDs.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithAccount attaches the account name a log line pertains to.
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// WithMailbox attaches the mailbox name a log line pertains to.
func WithMailbox(ctx context.Context, mailbox string) context.Context {
	return context.WithValue(ctx, mailboxKey, mailbox)
}

// WithTaskID attaches a scheduler task ID.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ctx.Value(traceIDKey); v != nil {
		attrs = append(attrs, slog.String("trace_id", v.(string)))
	}
	if v := ctx.Value(accountKey); v != nil {
		attrs = append(attrs, slog.String("account", v.(string)))
	}
	if v := ctx.Value(mailboxKey); v != nil {
		attrs = append(attrs, slog.String("mailbox", v.(string)))
	}
	if v := ctx.Value(taskIDKey); v != nil {
		attrs = append(attrs, slog.String("task_id", v.(string)))
	}
	return attrs
}

func (l *Logger) withContextAttrs(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	out := make([]any, 0, len(attrs)*2+len(args))
	for _, a := range attrs {
		out = append(out, a.Key, a.Value.Any())
	}
	return append(out, args...)
}

// InfoContext logs at info level with any trace/account/mailbox/task
// attributes carried on ctx.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withContextAttrs(ctx, args)...)
}

// WarnContext logs at warn level with context attributes.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withContextAttrs(ctx, args)...)
}

// ErrorContext logs at error level with context attributes and err.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := l.withContextAttrs(ctx, args)
	if err != nil {
		all = append([]any{"error", err.Error()}, all...)
	}
	l.Logger.ErrorContext(ctx, msg, all...)
}

// DebugContext logs at debug level with context attributes.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withContextAttrs(ctx, args)...)
}

// WithError returns a logger with err permanently attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional permanent fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a logger tagged with a subsystem name, e.g. "wire",
// "mboxsync", "task".
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// Wire logs a raw I/O event with its Kind and the payload rendered with
// control characters escaped (spec.md section 6: CR/LF become ␍/␊ so a
// log line never spans more than one terminal line).
func (l *Logger) Wire(kind Kind, direction string, payload []byte) {
	l.Logger.Debug("wire", "kind", string(kind), "direction", direction, "payload", renderControlChars(payload))
}

// renderControlChars replaces CR and LF with their visible Unicode
// control-picture equivalents so raw protocol traffic stays one log line
// per event.
func renderControlChars(b []byte) string {
	s := string(b)
	s = strings.ReplaceAll(s, "\r", "␍")
	s = strings.ReplaceAll(s, "\n", "␊")
	return s
}
