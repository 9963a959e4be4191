// Package log builds the zap loggers used by the draftgraph binary.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level names.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Encoder formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Logger is a zap logger whose level can change at run time.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New returns a logger writing to stderr.
func New(level, format string) (*Logger, error) {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter returns a logger writing to w.
func NewWriter(w io.Writer, level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var enc zapcore.Encoder
	switch format {
	case FormatConsole, "":
		enc = zapcore.NewConsoleEncoder(encoderConfig)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	atom := zap.NewAtomicLevelAt(lvl)
	core := zapcore.NewCore(enc, zapcore.AddSync(w), atom)
	return &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		level:  atom,
	}, nil
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// ParseLevel converts a level name. The empty string is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelInfo, "":
		return zapcore.InfoLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}
