package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. The level defaults to info and can be
// overridden with FUNDARB_LOG_LEVEL (debug, info, warn, error).
func Setup() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	level := zerolog.InfoLevel
	if v, err := zerolog.ParseLevel(os.Getenv("FUNDARB_LOG_LEVEL")); err == nil && v != zerolog.NoLevel {
		level = v
	}
	zerolog.SetGlobalLevel(level)
}
