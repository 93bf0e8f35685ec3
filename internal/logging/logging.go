// Package logging provides trayflow's logging infrastructure built on
// charmbracelet/log, plus the per-step error collection used by the step
// executor.
//
// All log output goes to stderr; stdout is reserved for structured output
// (progress JSON, tables). Each package creates a component-prefixed child
// logger:
//
//	// During CLI initialization (PersistentPreRun):
//	logging.Setup(verbose, quiet, jsonFormat)
//
//	// In each package:
//	var logger = logging.New("loader")
//	logger.Info("loading workflow", "path", "tray_bringup.yaml")
//
// Setup must be called before New so child loggers inherit level and
// formatter settings; charmbracelet/log copies state at creation time and
// later changes to the default logger do not propagate to existing children.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Level aliases for charmbracelet/log levels, re-exported so consumers do
// not need to import charmbracelet/log directly.
const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
	LevelFatal = log.FatalLevel
)

// Setup configures the global logging defaults. Call once during CLI
// initialization.
//
//   - verbose: sets level to Debug
//   - quiet: sets level to Error (wins over verbose; in scripted
//     environments --quiet must suppress noise regardless of other flags)
//   - jsonFormat: switches to the JSON formatter (NDJSON, suitable for CI)
func Setup(verbose, quiet, jsonFormat bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	if quiet {
		level = log.ErrorLevel
	}

	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	if jsonFormat {
		log.SetFormatter(log.JSONFormatter)
	} else {
		log.SetFormatter(log.TextFormatter)
	}
}

// New creates a logger with the given component prefix. The returned logger
// inherits global level and output settings at creation time. An empty
// component produces a logger without a prefix.
func New(component string) *log.Logger {
	return log.WithPrefix(component)
}

// SetOutput overrides the output writer for the default logger. Primarily
// useful for tests capturing output into a bytes.Buffer; restore the
// original with t.Cleanup.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
