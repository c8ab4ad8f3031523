// Package logger builds the zerolog root logger the engine hands down to
// every component. Components derive children with log.With(), so level and
// output format are decided exactly once, here.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the root logger's level and output format.
type Config struct {
	Level  string // debug, info, warn, or error; anything else means info
	Pretty bool   // human-readable console output instead of JSON lines
}

// New builds the root logger. The level is carried on the logger instance,
// not the zerolog global, so tests and tools can run loggers at different
// levels in one process.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}
