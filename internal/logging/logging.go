// Package logging provides the process-wide structured logger used by every
// component of the rig server. A single zerolog.Logger is constructed once in
// main and handed down as a constructor argument; nothing here is a package
// global reached through import side effects.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-friendly logger writing to w (os.Stdout in
// production, a buffer in tests). component is attached to every line so log
// output and telemetry bus messages ("STATUS", "NEWIMAGE", ...) can be
// correlated by the same vocabulary the spec uses for WS senders
// (SCHEDULER, DARKMANAGER, FOCUSER).
func New(w io.Writer, component string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).With().Timestamp().Str("component", component).Logger()
}

// Sub derives a child logger for a narrower scope (e.g. a single plan item)
// without re-deriving the console writer.
func Sub(l zerolog.Logger, key, value string) zerolog.Logger {
	return l.With().Str(key, value).Logger()
}
