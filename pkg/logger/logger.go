// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// New builds a logger writing JSON, or human readable lines when console is set
func New(level string, console bool) zerolog.Logger {
	return newWithWriter(os.Stdout, level, console)
}

func newWithWriter(out io.Writer, level string, console bool) zerolog.Logger {
	zerolog.ErrorFieldName = "err"
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(out).Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

// Init replaces the base logger used by Component
func Init(level string, console bool) zerolog.Logger {
	l := New(level, console)
	mu.Lock()
	base = l
	mu.Unlock()
	return l
}

// Get returns the base logger
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns the base logger tagged with a component name
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, falling back to def
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
