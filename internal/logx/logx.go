// Package logx centralises zerolog setup for np, npd, and rvd.
//
// Every component logger carries a "component" field (tunnel/terminal,
// rendezvous/daemon/client/worker, ...) so multiplexed output from
// concurrent sessions stays attributable, mirroring the bracketed
// "[tunnel] ..." convention the teacher's log.Printf call sites use.
package logx

import (
	"os"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog level and writer. level is parsed with
// zerolog.ParseLevel; an invalid or empty value falls back to info. When
// pretty is true (intended for local/dev use, never production) output goes
// through zerolog.ConsoleWriter instead of raw JSON lines.
func Setup(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.Logger
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return out
}

// Component returns a child logger tagged with the given component name,
// e.g. logx.Component(base, "rendezvous").
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
