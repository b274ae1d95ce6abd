package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. It discards everything until Init runs, so
// library use and tests stay quiet.
var Logger = zerolog.Nop()

// Level is a log level name as accepted on the command line
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// ParseLevel validates a level name, case-insensitively
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return l, nil
	case "":
		return WarnLevel, nil
	}
	return "", fmt.Errorf("unknown log level %q (use debug, info, warn or error)", s)
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // Defaults to stderr; stdout carries reports
}

// Init configures the global logger
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
}

// WithComponent creates a child logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithProject adds the project field to logger
func WithProject(logger zerolog.Logger, project string) zerolog.Logger {
	return logger.With().Str("project", project).Logger()
}

// WithService adds the service field to logger
func WithService(logger zerolog.Logger, service string) zerolog.Logger {
	return logger.With().Str("service", service).Logger()
}
