// Package logger builds the relay's slog logger: charm-rendered text or JSON
// lines on stderr, optionally mirrored as JSON into a log file.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	charmLog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"

	"tgrelay/pkg/config"
)

const (
	envLogFormat    = "TGRELAY_LOG_FORMAT"
	envLogLevel     = "TGRELAY_LOG_LEVEL"
	envLogAddSource = "TGRELAY_LOG_ADD_SOURCE"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// settings is LoggingConfig after environment overrides and defaults.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the process logger. When cfg.File is set, records are also
// appended to that file as JSON entries; the returned closer releases it.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, nil, err
	}

	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return slog.New(s.handler(os.Stderr, nil)), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	return slog.New(s.handler(os.Stderr, file)), file, nil
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	return newWithWriters(cfg, writer, nil)
}

func newWithWriters(cfg config.LoggingConfig, writer, file io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	return slog.New(s.handler(writer, file)), nil
}

// resolve applies TGRELAY_LOG_* overrides on top of cfg.
func resolve(cfg config.LoggingConfig) (settings, error) {
	format := envOr(envLogFormat, cfg.Format, "text")
	if format != "json" && format != "text" {
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := envOr(envLogLevel, cfg.Level, "info")
	level, ok := levels[levelText]
	if !ok {
		return settings{}, fmt.Errorf("unsupported log level %q", levelText)
	}

	addSource := cfg.AddSource
	if raw := strings.TrimSpace(os.Getenv(envLogAddSource)); raw != "" {
		addSource = parseBool(raw)
	}

	return settings{format: format, level: level, addSource: addSource}, nil
}

func (s settings) handler(console, file io.Writer) slog.Handler {
	var handler slog.Handler = newEntryHandler(s.level, s.addSource, console)
	if s.format == "text" {
		handler = charmLog.NewWithOptions(console, charmLog.Options{
			Level:           charmLevel(s.level),
			ReportTimestamp: true,
			ReportCaller:    s.addSource,
			Formatter:       charmLog.TextFormatter,
		})
	}
	if file == nil {
		return handler
	}

	return slogmulti.Fanout(handler, newEntryHandler(s.level, s.addSource, file))
}

func envOr(key, value, def string) string {
	if env := strings.TrimSpace(os.Getenv(key)); env != "" {
		value = env
	}
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return def
	}

	return value
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
