// Package common provides the shared logging infrastructure for the brainy
// storage engine. Logging is built on logrus for structured output, with a
// custom writer that routes error-level lines to stderr and everything else
// to stdout so that containerized deployments can treat the two streams
// differently.
//
// All packages in this module log through the global Logger instance to keep
// formatting and routing uniform. Adapters attach structured fields such as
// "adapter", "path" and "operation" rather than encoding context into the
// message text.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. The check is a plain byte search for "level=error", which is
// stable across the logrus text and JSON formatters and avoids parsing.
type OutputSplitter struct{}

// Write implements io.Writer. Error-level entries go to stderr, everything
// else to stdout. Write errors from the underlying stream are propagated.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance used throughout the storage engine.
// It is pre-wired to the OutputSplitter; formatter and level can be adjusted
// by the embedding application after import.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
