package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions selects the level and encoding of the process logger.
// Format "console" writes human readable lines, anything else JSON.
type LogOptions struct {
	Level   string
	Format  string
	Service string
}

// InitLogger builds the process logger. Every line carries the service name.
func InitLogger(opts LogOptions, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(output).
		Level(parseLogLevel(opts.Level)).
		With().
		Timestamp().
		Caller().
		Str("service", opts.Service).
		Logger()
}

// parseLogLevel accepts zerolog level names plus "warning". Unknown or empty
// values fall back to info.
func parseLogLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
