package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Field is one key/value pair attached to a record.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field          { return Field{Key: key, Value: value} }
func Int(key string, value int) Field         { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field       { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field         { return Field{Key: key, Value: value} }

// Err records err under the "error" key. A nil error renders as an empty string.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logging facade used across the PCE core.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls logger construction.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, text or tint
	AddSource bool
	// File, when set, receives a second copy of every record as text.
	File string
	// Prefix is shown in front of tint console records.
	Prefix string
}

// New builds a Logger backed by slog. Console output goes to stdout; when
// cfg.File is set the records are fanned out to that file as well.
func New(cfg Config) (Logger, error) {
	level := parseLevel(cfg.Level)

	handlers := []slog.Handler{consoleHandler(os.Stdout, cfg, level)}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file %q: %w", cfg.File, err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}

	if len(handlers) == 1 {
		return &slogger{l: slog.New(handlers[0])}, nil
	}
	return &slogger{l: slog.New(slogmulti.Fanout(handlers...))}, nil
}

// NewWithWriter builds a Logger writing a single stream to w. Used by tests
// and by tooling that captures output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	return &slogger{l: slog.New(consoleHandler(w, cfg, parseLevel(cfg.Level)))}
}

// WithPeer annotates base with the PCEP peer identity.
func WithPeer(base Logger, peerID string) Logger {
	if base == nil {
		base = Noop()
	}
	return base.With(String("peer_id", peerID))
}

// Noop discards everything.
func Noop() Logger { return noopLogger{} }

func consoleHandler(w io.Writer, cfg Config, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "tint":
		return tint.NewHandler(w, &tint.Options{
			Level:        level,
			AddSource:    cfg.AddSource,
			TimeFormat:   time.TimeOnly,
			CustomPrefix: cfg.Prefix,
		})
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// slogger adapts *slog.Logger to Logger. Records logged under a context
// carrying a sync id get a sync_id attribute.
type slogger struct {
	l *slog.Logger
}

func (s *slogger) With(fields ...Field) Logger {
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = slog.Any(f.Key, f.Value)
	}
	return &slogger{l: s.l.With(args...)}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}
func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}
func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}
func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

func (s *slogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.l.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if id := SyncIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("sync_id", id))
	}
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.l.LogAttrs(ctx, level, msg, attrs...)
}

type noopLogger struct{}

func (noopLogger) With(fields ...Field) Logger             { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// parseLevel maps a level name to slog; unknown names mean info.
func parseLevel(level string) slog.Leveler {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

type syncIDKey struct{}

// ContextWithSyncID stores the identifier of the running synchronization
// cycle on ctx.
func ContextWithSyncID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, syncIDKey{}, id)
}

// SyncIDFromContext extracts the sync cycle id from ctx.
func SyncIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(syncIDKey{}).(string)
	return id
}
