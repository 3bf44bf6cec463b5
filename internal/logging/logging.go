// Package logging sets up the supervisor's own operational logger. It
// has nothing to do with capturing the stdout/stderr of managed
// instances, which this system does not do (log capture and rotation
// of instances is a Non-goal).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	defaultMaxAgeDays = 7
)

// Options configures the supervisor's own log output.
type Options struct {
	// Level is the minimum level emitted.
	Level slog.Level
	// Format is "text" (colorized when writing to a terminal) or "json".
	Format string
	// File, if set, rotates the operational log through lumberjack
	// instead of writing to stderr.
	File string
}

// New builds the root logger for the daemon and CLI according to opts.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lj.Logger{
			Filename:   opts.File,
			MaxSize:    defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
			MaxAge:     defaultMaxAgeDays,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		if opts.File == "" && isTerminal(os.Stderr) {
			handler = NewColorTextHandler(w, handlerOpts)
		} else {
			handler = slog.NewTextHandler(w, handlerOpts)
		}
	}
	return slog.New(handler)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ColorTextHandler wraps slog.TextHandler with ANSI colors per level,
// for interactive terminal use.
type ColorTextHandler struct {
	*slog.TextHandler
}

// NewColorTextHandler constructs a ColorTextHandler.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
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
	r.Message = color + r.Level.String() + "\033[0m " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
