package stm

import (
	"os"

	"github.com/rs/zerolog"
)

// log is the package's internal diagnostic logger, used sparingly for
// isolation and deadlock retries, GC, and swallowed watcher panics (lock
// contention is logged by package hlock). Grounded on
// joeycumines-go-utilpkg/logiface/zerolog's direct use of zerolog as the
// backing logger rather than an abstraction over it: the STM core has no
// need for logiface's pluggable-backend indirection, only for structured,
// leveled output.
var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
	Level(zerolog.WarnLevel).
	With().Timestamp().Logger()

// SetLogLevel adjusts the verbosity of internal diagnostics. Tests and
// embedding applications that want to observe retry/deadlock behavior can
// lower this to zerolog.DebugLevel.
func SetLogLevel(level zerolog.Level) {
	log = log.Level(level)
}
