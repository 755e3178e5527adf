package logger

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

func init() {
	// Default until Init is called from the CLI
	Logger = zerolog.New(os.Stderr).
		With().
		Timestamp().
		Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = Logger
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger with the specified level and output.
// Logs go to stderr so that nothing interleaves with piped frame data.
func Init(level string, pretty bool) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	var output io.Writer = os.Stderr
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Logger = Logger
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &Logger
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithRun returns a component logger tagged with a pipeline run id
func WithRun(component, runID string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Str("run_id", runID).Logger()
	return &l
}

// LineWriter returns a writer that logs every complete line written to it.
// Lines mentioning an error or warning are logged at warn, the rest at debug.
// It is meant to be used as a subprocess stderr.
func LineWriter(l *zerolog.Logger, field string) io.Writer {
	return &lineWriter{log: l, field: field}
}

// LineWriterFunc is like LineWriter but also hands every line to fn.
func LineWriterFunc(l *zerolog.Logger, field string, fn func(line string)) io.Writer {
	return &lineWriter{log: l, field: field, hook: fn}
}

type lineWriter struct {
	log   *zerolog.Logger
	field string
	hook  func(string)

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(idx+1)), "\r\n")
		if line == "" {
			continue
		}
		w.emit(line)
	}
	return len(p), nil
}

func (w *lineWriter) emit(line string) {
	if w.hook != nil {
		w.hook(line)
	}
	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") || strings.Contains(lower, "warn") {
		w.log.Warn().Str(w.field, line).Msg("Subprocess message")
		return
	}
	w.log.Debug().Str(w.field, line).Msg("Subprocess output")
}
