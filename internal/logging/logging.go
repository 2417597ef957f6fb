// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls logger setup.
type Options struct {
	Debug bool
	// Quiet raises the level to warnings so progress output stays readable.
	Quiet bool
	// Out defaults to stderr.
	Out io.Writer
}

var debugEnabled bool

// Init initializes the global logger for the CLI.
func Init(debug bool) {
	Setup(Options{Debug: debug})
}

// Setup initializes the global logger from opts.
func Setup(opts Options) {
	debugEnabled = opts.Debug
	zerolog.SetGlobalLevel(Level(opts))
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Level returns the global level implied by opts. Debug wins over Quiet.
func Level(opts Options) zerolog.Level {
	switch {
	case opts.Debug:
		return zerolog.DebugLevel
	case opts.Quiet:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool {
	return debugEnabled
}
