// Package logging builds the zerolog logger shared by every component.
//
// Components receive a zerolog.Logger and derive their own child with a
// "comp" field. The effective level is controlled through zerolog's global
// level so a config reload can change it without rebuilding loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options selects the output format and minimum level.
type Options struct {
	Level  string    // trace, debug, info, warn, error; empty means info
	Format string    // "console" (default) or "json"
	Out    io.Writer // defaults to os.Stderr
}

// New returns a root logger and applies opts.Level globally.
func New(opts Options) zerolog.Logger {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}

	SetLevel(opts.Level)
	return zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

// SetLevel changes the process-wide minimum level. Unknown values fall back
// to info.
func SetLevel(level string) zerolog.Level {
	lvl := ParseLevel(level, zerolog.InfoLevel)
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return def
	}
}

// Component derives a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("comp", name).Logger()
}
