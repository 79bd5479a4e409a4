package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with mailsend-specific helpers
type Logger struct {
	zerolog.Logger
}

// New creates a Logger writing to stderr. Stdout is reserved for command output.
func New(level string, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a Logger writing to w
func NewWithWriter(w io.Writer, level string, format string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger

	if format == "text" || format == "console" {
		// Human-readable output for interactive use
		output := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	}

	return &Logger{Logger: logger}
}

// Nop returns a Logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// WithRelay returns a new logger with the relay address attached
func (l *Logger) WithRelay(addr string) *Logger {
	return &Logger{
		Logger: l.With().Str("relay", addr).Logger(),
	}
}

// Delivery logs the outcome of a single send attempt.
// Failed attempts are logged at warn level with the failure detail.
func (l *Logger) Delivery(sender string, recipients int, outcome, detail string, duration time.Duration) {
	event := l.Info()
	if detail != "" {
		event = l.Warn().Str("detail", detail)
	}

	event.
		Str("sender", sender).
		Int("recipients", recipients).
		Str("outcome", outcome).
		Dur("duration", duration).
		Msg("delivery")
}
