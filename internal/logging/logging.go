// Package logging provides structured logging for tunnelkeeper.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level" json:"level" envconfig:"LEVEL"`                   // debug, info, warn, error
	Format     string `yaml:"format" json:"format" envconfig:"FORMAT"`                // text, json, color
	Output     string `yaml:"output" json:"output" envconfig:"OUTPUT"`                // stdout, stderr, or file path
	TimeFormat string `yaml:"time_format" json:"time_format" envconfig:"TIME_FORMAT"` // time format string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		Output:     "stdout",
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex

	// Loggers derived before a Setup call keep writing through these, so a
	// reload changes their level and destination too. A format change only
	// reaches loggers created afterwards.
	level  = new(slog.LevelVar)
	output = &outputWriter{w: os.Stdout}
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level,
	}))
}

// Close closes the current log file if one is open. Output falls back to
// stdout.
func Close() error {
	if f := output.swap(os.Stdout, nil); f != nil {
		return f.Close()
	}
	return nil
}

// Setup initializes the logging system with the given configuration. It
// may be called again to reconfigure a running process.
func Setup(cfg Config) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	w, logFile, err := getOutput(cfg.Output)
	if err != nil {
		return err
	}

	handler, err := newFormatHandler(output, level, cfg, isTerminal(w))
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return err
	}

	loggerMu.Lock()
	level.Set(lvl)
	old := output.swap(w, logFile)
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	loggerMu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// NewHandler builds a standalone slog handler described by cfg, independent
// of the process-wide logger. When the output is a file, the opened file is
// returned so the caller can close it.
func NewHandler(cfg Config) (slog.Handler, *os.File, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	output, logFile, err := getOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newFormatHandler(output, level, cfg, isTerminal(output))
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, nil, err
	}
	return handler, logFile, nil
}

func newFormatHandler(w io.Writer, level slog.Leveler, cfg Config, terminal bool) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: timeFormatter(cfg.TimeFormat),
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	case "color":
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = "15:04:05.000"
		}
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: timeFormat,
			NoColor:    !terminal,
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}
}

// timeFormatter renders the record time with layout for the stdlib handlers.
func timeFormatter(layout string) func([]string, slog.Attr) slog.Attr {
	if layout == "" {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
			return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
		}
		return a
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// getOutput returns an io.Writer for the given output specification, plus
// the opened file when the output is a path.
func getOutput(output string) (io.Writer, *os.File, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		dir := filepath.Dir(output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, f, nil
	}
}

// Default returns the default logger.
func Default() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return With("component", component)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
