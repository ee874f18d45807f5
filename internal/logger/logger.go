package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

type Logger struct {
	zl       zerolog.Logger
	minLevel Level
}

// New logs human readable lines to stderr.
func New(minLevel Level) *Logger {
	return NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}, minLevel)
}

// NewWithWriter logs JSON lines to w.
func NewWithWriter(w io.Writer, minLevel Level) *Logger {
	return &Logger{
		zl:       zerolog.New(w).Level(minLevel.zerolog()).With().Timestamp().Logger(),
		minLevel: minLevel,
	}
}

func NewFileLogger(filePath string, minLevel Level) (*Logger, error) {
	dirPath := filepath.Dir(filePath)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logFile, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return NewWithWriter(logFile, minLevel), nil
}

// With returns a child logger whose lines carry module=name.
func (l *Logger) With(module string) *Logger {
	return &Logger{
		zl:       l.zl.With().Str("module", module).Logger(),
		minLevel: l.minLevel,
	}
}

func (l *Logger) Fatal(msg string, args ...any) {
	l.zl.Fatal().Msgf(msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.zl.Debug().Msgf(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.zl.Info().Msgf(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.zl.Warn().Msgf(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.zl.Error().Msgf(msg, args...)
}

func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
	l.zl = l.zl.Level(level.zerolog())
}

func (l *Logger) Level() Level {
	return l.minLevel
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q (valid: DEBUG, INFO, WARN, ERROR)", s)
	}
}

// Discard is used by tests that don't care about log output.
func Discard() *Logger {
	return NewWithWriter(io.Discard, ERROR)
}
