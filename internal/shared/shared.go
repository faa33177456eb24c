// package shared defines helpers used across the sync engine
package shared

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// NewLogger creates a new [log.Logger] instance with the specified [io.Writer], with timestamps and caller reporting enabled.
//
// The writer defaults to [os.Stderr]
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// ComponentLogger creates a child [log.Logger] tagged with a component name
// (watcher, worker, reconciler) so interleaved output from concurrent
// processes stays attributable.
func ComponentLogger(l *log.Logger, component string, kv ...any) *log.Logger {
	args := append([]any{"component", component}, kv...)
	return l.With(args...)
}

// SetLogLevel sets the [log.Level] for the given [log.Logger].
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// GenerateID generates a new v4 [uuid.UUID] as a string.
//
// Used as the holder identifier for processing leases; every worker or
// reconciler pass gets a fresh one.
func GenerateID() string {
	return uuid.New().String()
}
