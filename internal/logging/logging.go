// Package logging configures the process-wide slog logger. Records go
// either to syslog or to a line-oriented stream (a rotating log file, or
// stderr).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelCritical sits above slog.LevelError. It marks fail-open decisions
// and internal invariant violations.
const LevelCritical = slog.Level(12)

// Options selects where log records go.
type Options struct {
	UseSyslog bool
	File      string // stream destination; empty means stderr
	Level     slog.Level
}

// New builds a logger for opts. The returned closer releases the log
// destination and must be called on shutdown.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.UseSyslog {
		h, err := NewSyslogHandler("kfmon", opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to syslog: %w", err)
		}
		return slog.New(h), h, nil
	}

	var w io.WriteCloser = nopCloser{os.Stderr}
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    1, // megabytes
			MaxBackups: 2,
		}
	}
	return slog.New(NewStreamHandler(w, opts.Level)), w, nil
}

// NewStreamHandler returns a text handler that spells LevelCritical as CRIT.
func NewStreamHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelName(lvl))
				}
			}
			return a
		},
	})
}

// LevelName returns the short name used in log output.
func LevelName(l slog.Level) string {
	if l >= LevelCritical {
		return "CRIT"
	}
	return l.String()
}

// ParseLevel parses debug, info, warn, error or crit.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crit", "critical":
		return LevelCritical, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Crit logs msg at LevelCritical on the default logger.
func Crit(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelCritical, msg, args...)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
