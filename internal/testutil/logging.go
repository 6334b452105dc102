package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/charmbracelet/log"
)

// TestLogger returns a debug-level logger prefixed with the test name.
//
// Output is discarded unless `go test -v` is used.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()

	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stderr
	}

	return log.NewWithOptions(out, log.Options{
		Level:           log.DebugLevel,
		Prefix:          t.Name(),
		ReportTimestamp: testing.Verbose(),
	})
}
