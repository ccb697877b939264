// Package log provides the process-scoped structured logger shared by the
// server, agent and CLI processes.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how a Logger is built.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger wraps a zerolog.Logger. It is constructed once per process and
// passed explicitly to components, rather than kept as package state.
type Logger struct {
	base zerolog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}

	return &Logger{base: base}
}

// Nop returns a Logger that discards everything, for use in tests.
func Nop() *Logger {
	return &Logger{base: zerolog.Nop()}
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(component string) zerolog.Logger {
	return l.base.With().Str("component", component).Logger()
}

// WithAgent returns a child logger tagged with an agent name.
func (l *Logger) WithAgent(agentName string) zerolog.Logger {
	return l.base.With().Str("agent_name", agentName).Logger()
}

// WithWorkload returns a child logger tagged with a workload name.
func (l *Logger) WithWorkload(workloadName string) zerolog.Logger {
	return l.base.With().Str("workload_name", workloadName).Logger()
}

// Raw exposes the underlying zerolog.Logger for call sites that need it
// directly (e.g. passing to a library that wants an io.Writer-like sink).
func (l *Logger) Raw() zerolog.Logger {
	return l.base
}
