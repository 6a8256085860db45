package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used throughout the bridge. It never writes to
// stdout, which carries ACP frames.
var Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

// Configure sets the global log level and the log destination. A nil writer
// keeps stderr.
func Configure(level string, w io.Writer) {
	zerolog.SetGlobalLevel(parseLevel(level))
	if w == nil {
		w = os.Stderr
	}
	Log = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: w != os.Stderr}).
		With().Timestamp().Logger()
}

// OpenTrace opens (appending) the trace file used in place of stderr.
func OpenTrace(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// parseLevel converts a string to a zerolog level.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
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
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	Configure(os.Getenv("AMP_ACP_LOG_LEVEL"), nil)
}
