package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // zerolog's global logger
)

// InitLogger initializes zerolog's global logger instance.
// format "json" keeps zerolog's JSON output; anything else uses a console
// writer on stderr. Empty arguments fall back to LOG_FORMAT and LOG_LEVEL.
func InitLogger(level, format string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	configure(os.Stderr, ParseLevel(level), format)

	log.Info().Str("logFormat", format).Str("logLevel", zerolog.GlobalLevel().String()).Msg("Logger initialized")
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

func configure(out io.Writer, level zerolog.Level, format string) {
	zerolog.SetGlobalLevel(level)
	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}
