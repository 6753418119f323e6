package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rbms/relay/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a config level string to a zerolog level, falling back
// to info for anything unrecognised.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures the global logger. service is attached to every line so
// gateway and bridge output can share a journal.
func Init(lcfg config.LoggingConfig, service string) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))

	if strings.ToLower(lcfg.Format) == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", service).Logger()
		return
	}
	// default json
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", service).Logger()
}
