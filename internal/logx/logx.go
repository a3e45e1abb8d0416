// Package logx wires the structured logging used by every component in
// robocore to a single github.com/rs/zerolog logger, constructed once at
// startup and threaded down by reference rather than held as a package
// global (see DESIGN.md, "Global state").
package logx

import (
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

// New builds the root logger. verbose selects debug-level output; pretty
// selects the human-readable console writer (used by the REPL), otherwise
// events are written as JSON lines suitable for collection.
func New(w io.Writer, verbose, pretty bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	lvl := zerolog.InfoLevel
	if verbose {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with its owning component name,
// the convention every package in robocore uses before emitting events.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Stack captures the calling goroutine's stack as a string, attached to
// programmer-misuse diagnostics per spec.md §7.2 (double-read, unlock by
// non-owner, refcount underflow).
func Stack() string {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
