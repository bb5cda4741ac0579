package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. The level "off" disables all output, which
// is what production builds run with; anything unparseable falls back to
// info rather than failing startup.
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if level == "off" {
		return zerolog.Nop()
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(parsed).With().Timestamp().Logger()
}
