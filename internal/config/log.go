package config

import (
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", c.Level)
	}
	return l, nil
}

// NewLogger builds a logger writing to stderr, or to a rotating file when
// File is set. The returned closer flushes and closes the file.
func (c LogConfig) NewLogger(stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := c.level()
	if err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = stderr
		closer io.Closer = nopCloser{}
	)
	if c.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w, closer = rotating, rotating
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
