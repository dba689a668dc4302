package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger so components can derive named children without
// importing zap's constructors.
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	// Development enables caller info, stack traces and a human-readable encoder.
	Development bool
	// OutputPaths defaults to stdout.
	OutputPaths []string
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// New builds a logger from config.
func New(config Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(config.Format)
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "console" {
		return nil, fmt.Errorf("logging: unknown format %q", config.Format)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.Development,
		DisableStacktrace: !config.Development,
		Encoding:          format,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{logger}, nil
}

// NewFromEnv builds a logger from LOG_LEVEL, LOG_FORMAT and LOG_DEV.
// LOG_DEV=true switches to console output at debug level unless LOG_LEVEL
// says otherwise.
func NewFromEnv() (*Logger, error) {
	config := DefaultConfig()

	if os.Getenv("LOG_DEV") == "true" {
		config.Development = true
		config.Level = "debug"
		config.Format = "console"
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}

	return New(config)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

// ParseLevel converts a level name to a zapcore.Level. An empty name is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger with a name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(Nop())
}

// SetGlobal replaces the process-wide logger. A nil logger resets it to Nop.
func SetGlobal(logger *Logger) {
	if logger == nil {
		logger = Nop()
	}
	global.Store(logger)
}

// L returns the process-wide logger.
func L() *Logger {
	return global.Load()
}

// OrGlobal returns logger, or the process-wide logger when logger is nil.
func OrGlobal(logger *Logger) *Logger {
	if logger != nil {
		return logger
	}
	return L()
}
