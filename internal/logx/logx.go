package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger.
//   - verbose    : forces debug level (the -v flag)
//   - LOG_LEVEL  : trace|debug|info|warn|error (default: info)
//   - LOG_FORMAT : json|console                (default: json)
//
// Logs go to stderr so cron mail only carries what the operator asked for.
func Init(verbose bool) {
	InitWriter(os.Stderr, verbose)
}

// InitWriter is Init with an explicit destination.
func InitWriter(out io.Writer, verbose bool) {
	level := strings.ToLower(getenv("LOG_LEVEL", "info"))
	format := strings.ToLower(getenv("LOG_FORMAT", "json"))

	// Always use UTC timestamps in RFC3339.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	if verbose {
		level = "debug"
	}
	zerolog.SetGlobalLevel(parseLevel(level))

	var logger zerolog.Logger
	if format == "console" {
		cw := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = out
			w.TimeFormat = time.RFC3339
		})
		logger = zerolog.New(cw).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	log.Logger = logger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
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

// getenv returns the env var value if set and non-empty, otherwise def.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
