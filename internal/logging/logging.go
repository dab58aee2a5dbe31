// Package logging initializes the process-wide zerolog logger, the same
// terminal-vs-JSON split the teacher's internal/util.InitLogger used.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Init builds the base logger: pretty console output when stdout is a
// terminal (local development), structured JSON otherwise (production).
func Init(serviceName string) zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if isTerminal() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// SetLevel applies a configured log level string, defaulting to info on an
// empty or unrecognized value.
func SetLevel(logger zerolog.Logger, levelStr string) {
	level := zerolog.InfoLevel
	switch strings.ToLower(levelStr) {
	case "", "info":
		level = zerolog.InfoLevel
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}
	zerolog.SetGlobalLevel(level)
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
