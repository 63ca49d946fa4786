package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base = New(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")))

// ParseLevel maps LOG_LEVEL values (DEBUG, INFO, WARN, ERROR) to zerolog levels.
// Unknown or empty values fall back to INFO.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO", "":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a human readable leveled logger writing to w.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// SetLevel changes the level of the process logger.
func SetLevel(level zerolog.Level) {
	base = base.Level(level)
}

// Logger returns the process logger for injection into components.
func Logger() zerolog.Logger {
	return base
}

func Debug(format string, args ...interface{}) {
	base.Debug().Msgf(format, args...)
}

func Info(format string, args ...interface{}) {
	base.Info().Msgf(format, args...)
}

func Warn(format string, args ...interface{}) {
	base.Warn().Msgf(format, args...)
}

func Error(format string, args ...interface{}) {
	base.Error().Msgf(format, args...)
}
