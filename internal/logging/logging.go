package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Base builds a zerolog.Logger writing to stdout.
// format: json|console; level: trace|debug|info|warn|error
func Base(app, level, format string) zerolog.Logger {
	return New(os.Stdout, app, level, format)
}

// New builds a logger on an arbitrary writer.
func New(w io.Writer, app, level, format string) zerolog.Logger {
	return zerolog.New(writerForFormat(w, format)).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
}

// ParseLevel falls back to info for unknown levels.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}

	return lvl
}

// Device returns a child logger tagged with the device id.
func Device(l zerolog.Logger, deviceID string) zerolog.Logger {
	return l.With().Str("device_id", deviceID).Logger()
}

func writerForFormat(w io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return zerolog.ConsoleWriter{Out: w, NoColor: w != os.Stdout}
	}

	return w
}
