// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	multi "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string
	Format string
	File   string
	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

// Setup installs the default logger. With a File set, records are also
// written as JSON to a rotated log file; the returned func closes it.
func Setup(opts Options) (*slog.Logger, func() error) {
	level := &slog.LevelVar{}
	level.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: level}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	var console slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		console = slog.NewJSONHandler(out, hopts)
	} else {
		console = slog.NewTextHandler(out, hopts)
	}

	closeFn := func() error { return nil }
	handler := console
	if path := strings.TrimSpace(opts.File); path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    64,
			MaxBackups: 8,
			MaxAge:     30,
			Compress:   true,
		}
		handler = multi.Fanout(console, slog.NewJSONHandler(file, hopts))
		closeFn = file.Close
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
