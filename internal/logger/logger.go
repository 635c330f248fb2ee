// Package logger builds the slog loggers used by anchorctl.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, format and destination.
// Level is one of debug/info/warn/error; Environment "prod" selects JSON
// output, anything else text. File, when set, receives the logs instead of
// stderr and is rotated by size.
type Config struct {
	Level       string
	Environment string
	WithSource  bool
	File        FileConfig
}

// FileConfig configures rotated file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// New creates a logger. The returned closer releases the log file, if any.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File.Path != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    orDefault(cfg.File.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.File.MaxBackups, 10),
			MaxAge:     orDefault(cfg.File.MaxAgeDays, 30),
			Compress:   cfg.File.Compress,
		}
		out, closer = w, w
	}

	return slog.New(newHandler(out, cfg.Environment, &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource})), closer, nil
}

// NewWriter creates a logger writing to w, for tests and embedding.
func NewWriter(w io.Writer, cfg Config) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}
	return slog.New(newHandler(w, cfg.Environment, &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource})), nil
}

func newHandler(w io.Writer, env string, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(env) == "prod" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
