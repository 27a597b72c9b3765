package observe

import (
	"fmt"
	"io"
	"os"

	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
)

// ConfigureLogging sets the global logger level and routes OpenTelemetry's
// internal logging and error reporting through it. Console output is used
// when ENV=development.
func ConfigureLogging(cfg config.ObserveConfig) error {
	return configureLogging(cfg, os.Stderr, os.Getenv("ENV") == "development")
}

func configureLogging(cfg config.ObserveConfig, out io.Writer, development bool) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	if development {
		out = zerolog.ConsoleWriter{Out: out}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
	zerolog.DefaultContextLogger = &log.Logger

	otelLogger := log.Logger.With().Str("component", "otel").Logger()
	otel.SetLogger(zerologr.New(&otelLogger))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		otelLogger.Warn().Err(err).Msg("telemetry error")
	}))

	return nil
}
