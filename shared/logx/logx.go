// Package logx is the engine's structured logger. Every line is a JSON
// object with a machine-readable "event" name and a human "msg"; failure
// lines carry an "error_code" from the shared taxonomy so dashboards can
// split malformed input (INVALID_ARGUMENT) from state conflicts
// (FAILED_PRECONDITION) and everything else (INTERNAL_ERROR).
package logx

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

type Logger struct {
	base *slog.Logger
	env  string
}

func New(service string, env string, version string, level string) Logger {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.LevelKey:
				a.Key = "level"
			case slog.MessageKey:
				a.Key = "event"
			}
			return a
		},
	})

	base := slog.New(handler).With(
		slog.String("service", service),
		slog.String("env", env),
	)
	if v := strings.TrimSpace(version); v != "" {
		base = base.With(slog.String("version", v))
	}
	return Logger{base: base, env: env}
}

// WithComponent tags a logger with the extractor or executor it serves, so
// a dropped-context warning names its source.
func (l Logger) WithComponent(name string) Logger {
	return Logger{base: l.base.With(slog.String("component", name)), env: l.env}
}

// Err renders an error as the conventional "error" attr.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func (l Logger) Debug(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, event, msg, attrs)
}

func (l Logger) Info(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, event, msg, attrs)
}

func (l Logger) Warn(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, event, msg, attrs)
}

func (l Logger) Error(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelError, event, msg, attrs)
}

func (l Logger) log(ctx context.Context, level slog.Level, event string, msg string, attrs []slog.Attr) {
	attrs = append(attrs, slog.String("msg", msg))
	l.base.LogAttrs(ctx, level, event, attrs...)
}

func (l Logger) Env() string { return l.env }
