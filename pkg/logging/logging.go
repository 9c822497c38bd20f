// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level  string
	Format string
}

// New returns a logger writing to out, or stderr when out is nil.
func New(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(cfg.Format, FormatJSON) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel falls back to info for empty or unknown names.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
