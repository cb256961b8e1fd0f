// Package logging builds the process-wide structured logger.
//
// The core never reaches for a package-global logger: New returns one
// zerolog.Logger per process, and every component is handed a child of it
// via .With().Str("component", name).Logger() so log lines always carry
// which subsystem emitted them.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the root logger's behavior.
type Options struct {
	// Level is the minimum level that will be emitted ("debug", "info",
	// "warn", "error"). Defaults to "info" if empty or unparseable.
	Level string

	// Pretty enables the human-readable console writer instead of JSON.
	// Intended for local development; production deployments want JSON.
	Pretty bool

	// Writer overrides the output sink. Defaults to os.Stdout.
	Writer io.Writer
}

// New builds the root logger for the process.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Component returns a child logger tagged with the given component name.
// Components should call this once at construction time and hold on to the
// result rather than deriving new children per call.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
