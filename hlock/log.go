package hlock

import (
	"os"

	"github.com/rs/zerolog"
)

// log is this package's internal diagnostic logger, used sparingly for
// lock contention and waits-for cycle detection. Grounded on
// joeycumines-go-utilpkg/logiface/zerolog's direct use of zerolog as the
// backing logger rather than an abstraction over it, the same choice
// package stm makes for its own internal diagnostics.
var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
	Level(zerolog.WarnLevel).
	With().Timestamp().Logger()

// SetLogLevel adjusts the verbosity of this package's internal
// diagnostics. Lower to zerolog.DebugLevel to observe deadlock detection
// in tests or embedding applications.
func SetLogLevel(level zerolog.Level) {
	log = log.Level(level)
}
