// Package common provides the shared logging infrastructure for the OT bridge.
// The logger routes error-level output to stderr and everything else to
// stdout so that containerised deployments can treat the two streams
// differently. It is built on logrus; components attach structured fields
// (source, target, protocol) rather than formatting values into messages.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends lines containing an error level marker to stderr and all
// other lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. All bridge components log through it,
// usually via WithFields to carry their source or target name.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogging applies the configured level and format to the global
// logger. Unknown values fall back to info/text.
func ConfigureLogging(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
