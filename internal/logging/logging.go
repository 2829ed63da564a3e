// Package logging configures the process-wide zerolog logger for the ops
// CLI. Output is a human console writer when stderr is a terminal and JSON
// otherwise, so automation gets parseable lines.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var logger = newLogger(os.Getenv("VERIDOC_OPS_LOG_LEVEL"))

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = parsed
	}
	var out zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(lvl).With().Timestamp().Logger()
}

// SetLevel adjusts the global level, e.g. from a --verbose flag.
func SetLevel(level zerolog.Level) {
	logger = logger.Level(level)
}

func Debug() *zerolog.Event { return logger.Debug() }
func Info() *zerolog.Event  { return logger.Info() }
func Warn() *zerolog.Event  { return logger.Warn() }
func Error() *zerolog.Event { return logger.Error() }
