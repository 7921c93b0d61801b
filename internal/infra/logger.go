package infra

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so the rest of the service names its logging
// dependency through this package.
type Logger = zerolog.Logger

// NewLogger builds the process logger. Production emits JSON at info level;
// tests stay quiet at warn; everything else gets the console writer at debug,
// which is what the api and worker binaries run with locally.
func NewLogger(appEnv string) Logger {
	var level zerolog.Level
	switch appEnv {
	case "production":
		level = zerolog.InfoLevel
	case "test":
		level = zerolog.WarnLevel
	default:
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "retouch").
		Logger()

	if appEnv != "production" && appEnv != "test" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}
