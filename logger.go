package amoura

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog logger suitable for WithLogger. level is one of
// debug, info, warn, error (anything else means info). pretty switches to the
// console writer for development use; the default is JSON lines on stderr.
func NewLogger(level string, pretty bool) zerolog.Logger {
	return NewLoggerTo(os.Stderr, level, pretty)
}

// NewLoggerTo is NewLogger with an explicit output writer.
func NewLoggerTo(out io.Writer, level string, pretty bool) zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}

	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "amoura").
		Logger()
}
