// Package rlog is relaynet's ambient logging layer. It replaces the
// teacher's hand-rolled ANSI console logger (pkg/logger) with the
// structured, leveled github.com/rs/zerolog logger used elsewhere in the
// example pack (r2northstar/atlas), while keeping the same call-site
// shape for the demo binary's startup banner (Banner/Success).
package rlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-pretty zerolog.Logger suitable for
// host.Config.Logger / peer.Config.Logger. Nothing installs it
// automatically: a Config whose Logger is left unset logs nothing.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// Default is the package-level logger used by components that were not
// handed an explicit one (e.g. the demo binary before a Host exists).
var Default = New(os.Stderr, zerolog.InfoLevel)

// Nop discards everything; useful in tests that don't want log noise.
var Nop = zerolog.Nop()

// Banner prints the startup banner for a demo/cmd binary. Kept as a
// thin console helper distinct from the structured per-event logger,
// matching the teacher's separation between `logger.Banner` (one-time,
// human-facing) and `logger.Info` (per-event, structured here).
func Banner(log zerolog.Logger, title, version string) {
	log.Info().Str("component", "relaynet").Str("version", version).Msg(title)
}

// Success logs a one-off success event at Info level with a `result`
// field, the structured analogue of the teacher's colored Success().
func Success(log zerolog.Logger, msg string) {
	log.Info().Str("result", "success").Msg(msg)
}
