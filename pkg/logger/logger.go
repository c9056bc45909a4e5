// Package logger builds the process-wide slog logger from host
// configuration: level, text or JSON encoding, and an output sink that
// may be stdout, stderr, or a size-rotated file.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger construction settings, typically bound from the
// host's `log.*` configuration section.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file
	Filename   string // log file path when Output is file
	MaxSize    int    // megabytes before rotation
	MaxBackups int    // rotated files to retain
	MaxAge     int    // days to retain rotated files
	Compress   bool   // gzip rotated files
}

// NewLogger builds a structured logger from cfg. Unrecognized settings
// fall back to info-level text on stdout rather than failing: logging
// must come up even when the host config is partially wrong, or nothing
// else can be diagnosed.
func NewLogger(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		// Source locations are only worth the overhead when debugging.
		AddSource: level == slog.LevelDebug,
	}

	sink := newSink(cfg)

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config string onto a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// newSink selects the output writer. File output rotates via lumberjack;
// a file sink without a filename degrades to stdout.
func newSink(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}
