// SPDX-License-Identifier: AGPL-3.0-only

// Package corelog centralizes logging backend construction, the way
// katzenpost's core/log package hands every subsystem a *logging.Logger
// wired to a single backend instead of letting each package configure
// its own.
package corelog

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var levelByName = map[string]logging.Level{
	"DEBUG":    logging.DEBUG,
	"INFO":     logging.INFO,
	"NOTICE":   logging.NOTICE,
	"WARNING":  logging.WARNING,
	"ERROR":    logging.ERROR,
	"CRITICAL": logging.CRITICAL,
}

// Backend wraps a go-logging backend shared across every logger this
// process creates, so console output is never interleaved between
// subsystems (spec.md's "process-wide lock" requirement for debug
// output).
type Backend struct {
	backend logging.LeveledBackend
}

// New constructs a Backend writing formatted records to w at the given
// verbosity. level is clamped into the supported named levels; an empty
// or unrecognized level defaults to NOTICE.
func New(w *os.File, level string) *Backend {
	raw := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(raw, logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:.4s} %{module}: %{message}",
	))
	leveled := logging.AddModuleLevel(formatted)
	lvl, ok := levelByName[level]
	if !ok {
		lvl = logging.NOTICE
	}
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}
}

// VerbosityToLevel maps spec.md's 0-6 debug verbosity knob onto a named
// go-logging level.
func VerbosityToLevel(verbosity int) string {
	switch {
	case verbosity <= 0:
		return "ERROR"
	case verbosity == 1:
		return "WARNING"
	case verbosity == 2:
		return "NOTICE"
	case verbosity <= 4:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// GetLogger returns a logger for the named subsystem, e.g. "daemon" or
// "mesh".
func (b *Backend) GetLogger(name string) *logging.Logger {
	log := logging.MustGetLogger(name)
	log.SetBackend(b.backend)
	return log
}

// Default is a process-wide fallback backend used when a caller does
// not construct its own, so library code never needs a nil check before
// logging.
var Default = New(os.Stderr, "NOTICE")
