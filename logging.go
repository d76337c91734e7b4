package chatsync

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ParseLogLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

// NewLogger creates a structured logger writing to stderr. pretty selects
// the human-readable console format instead of JSON lines.
func NewLogger(level string, pretty bool) zerolog.Logger {
	return newLogger(os.Stderr, level, pretty)
}

func newLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).Level(ParseLogLevel(level)).With().Timestamp().Logger()
}
