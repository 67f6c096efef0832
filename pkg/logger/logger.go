// Package logger provides the shared logging setup for repobutler.
//
// Components receive a *slog.Logger at construction and never reach for a
// package-level global. New builds either a pretty (terminal) or JSON
// (service) handler; Multi fans a record out to several handlers at once,
// used when a log file is configured to keep pretty output on the terminal
// while the file gets JSON.
package logger

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level   slog.Level
	pretty  bool
	json    bool
	writers []io.Writer
	source  bool
}

// New creates a configured *slog.Logger. Defaults: Info level, pretty
// handler, stdout.
func New(opts ...Option) *slog.Logger {
	c := config{
		level:   slog.LevelInfo,
		pretty:  true,
		writers: []io.Writer{os.Stdout},
	}
	for _, opt := range opts {
		opt(&c)
	}
	if len(c.writers) == 0 {
		c.writers = []io.Writer{os.Stdout}
	}

	w := c.writers[0]
	if len(c.writers) > 1 {
		w = io.MultiWriter(c.writers...)
	}

	if c.json {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     c.level,
			AddSource: c.source,
		}))
	}

	h := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           toCharmLevel(c.level),
		ReportCaller:    c.source,
		ReportTimestamp: true,
	})
	return slog.New(h)
}

// Nop returns a logger that discards everything. Used in tests and as the
// default when a component is constructed without one.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toCharmLevel(l slog.Level) charmlog.Level {
	switch {
	case l <= slog.LevelDebug:
		return charmlog.DebugLevel
	case l <= slog.LevelInfo:
		return charmlog.InfoLevel
	case l <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}
