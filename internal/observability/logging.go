package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// LogConfigFromEnv reads SOLV_LOG_LEVEL and SOLV_LOG_FILE.
func LogConfigFromEnv() LogConfig {
	return LogConfig{
		Level:      os.Getenv("SOLV_LOG_LEVEL"),
		File:       os.Getenv("SOLV_LOG_FILE"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	}
}

// NewLogger creates a structured JSON logger configured from the environment.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithConfig(component, LogConfigFromEnv())
}

// NewLoggerWithConfig writes JSON to stdout, and additionally to a
// size-rotated file when cfg.File is set.
func NewLoggerWithConfig(component string, cfg LogConfig) zerolog.Logger {
	return newLogger(component, parseLogLevel(cfg.Level), logWriter(cfg))
}

// NewLoggerWithLevel creates a stdout logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(component, level, os.Stdout)
}

func newLogger(component string, level zerolog.Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func logWriter(cfg LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return zerolog.MultiLevelWriter(os.Stdout, rotated)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
