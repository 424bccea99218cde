// Package logging configures the global zerolog logger shared by every
// titan-core subsystem.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger. Initialize must be called once at
// startup before any subsystem derives a child logger from it.
var Log zerolog.Logger

// Initialize configures the global logger.
//
// level is a zerolog level name ("debug", "info", "warn", "error");
// unparsable values fall back to "info". pretty switches to a
// human-readable console writer for local development; production
// deployments leave it false for JSON output.
func Initialize(service, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", service).Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component("eventbus") inside the bus package.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
