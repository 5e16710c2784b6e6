// Package telemetry builds the zerolog.Logger every long-running keel
// component threads through its constructor, rather than reaching for a
// package-global logger the way the teacher's cmd/server reaches for the
// standard log package.
package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // "debug", "info", "warn", "error"; default "info"
	Pretty bool   // human-readable console output instead of JSON lines
	Output io.Writer
}

// NewLogger builds a zerolog.Logger tagged with component=name.
func NewLogger(component string, cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
