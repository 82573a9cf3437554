// Package logger wires slog to a colored console handler and an append-only
// session log file. The session log captures timestamps, step names, and
// full command lines so a failed install or shutdown can be replayed after
// the fact; its path is surfaced to the user on failure.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for session and per-process logs.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options configures the shared logger.
type Options struct {
	Dir     string // directory for the session log; empty disables the file sink
	Level   slog.Level
	Console io.Writer // defaults to os.Stderr
}

// Setup builds the process-wide logger and returns it together with the
// session log path (empty when no file sink is active).
func Setup(opts Options) (*slog.Logger, string, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlers := []slog.Handler{newColorHandler(console, &slog.HandlerOptions{Level: opts.Level})}

	sessionPath := ""
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, "", fmt.Errorf("create log dir: %w", err)
		}
		sessionPath = filepath.Join(opts.Dir, "session.log")
		fileSink := &lj.Logger{
			Filename:   sessionPath,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
		}
		handlers = append(handlers, slog.NewTextHandler(fileSink, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(fanoutHandler(handlers)), sessionPath, nil
}

// ProcessWriters returns rotated stdout/stderr writers for a supervised
// process. Files land in dir as <name>.stdout.log and <name>.stderr.log.
func ProcessWriters(dir, name string) (io.WriteCloser, io.WriteCloser, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, err
	}
	mk := func(stream string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(dir, fmt.Sprintf("%s.%s.log", name, stream)),
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
		}
	}
	return mk("stdout"), mk("stderr"), nil
}

// fanout duplicates records to every handler; errors from one sink do not
// suppress the others.
type fanout []slog.Handler

func fanoutHandler(hs []slog.Handler) slog.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return fanout(hs)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// colorHandler prefixes messages with an ANSI-colored level tag on the
// console.
type colorHandler struct {
	*slog.TextHandler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	var color string
	switch r.Level {
	case slog.LevelDebug:
		color = "\033[36m"
	case slog.LevelInfo:
		color = "\033[32m"
	case slog.LevelWarn:
		color = "\033[33m"
	case slog.LevelError:
		color = "\033[31m"
	default:
		color = "\033[0m"
	}
	r.Message = color + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
