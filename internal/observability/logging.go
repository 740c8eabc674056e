package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures process-wide log output. File output is rotated
// and written alongside stdout.
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	logMu     sync.RWMutex
	logOutput io.Writer = os.Stdout
	logLevel            = parseLogLevel(os.Getenv("SETTLE_LOG_LEVEL"))
)

// ConfigureLogging sets the output and level for loggers created after it
// returns. The returned closer releases the log file, if any.
func ConfigureLogging(opts LogOptions) io.Closer {
	logMu.Lock()
	defer logMu.Unlock()

	logLevel = parseLogLevel(opts.Level)
	if opts.File == "" {
		logOutput = os.Stdout
		return nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	logOutput = io.MultiWriter(os.Stdout, file)
	return file
}

// NewLogger creates a structured JSON logger tagged with component.
// Production default: info. Set via SETTLE_LOG_LEVEL or ConfigureLogging.
func NewLogger(component string) zerolog.Logger {
	logMu.RLock()
	out, level := logOutput, logLevel
	logMu.RUnlock()
	return newLogger(out, component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	logMu.RLock()
	out := logOutput
	logMu.RUnlock()
	return newLogger(out, component, level)
}

func newLogger(out io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

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
