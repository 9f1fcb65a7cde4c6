// Package common provides the shared logging and utility infrastructure for the
// flow workflow engine. The logging side is built on logrus with intelligent
// output routing: error-level messages are directed to stderr while all other
// levels go to stdout, so containerized and scripted environments can treat the
// two streams differently.
//
// The package exposes a pre-configured global Logger plus factories for
// component loggers (see logger.go). All flow packages log through logrus
// entries derived from this infrastructure.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter implements log output routing based on log content.
// Messages containing "level=error" are written to stderr, everything else to
// stdout. The pattern matching operates on the final formatted output, so it
// works with both the text and JSON logrus formatters.
//
// Stream separation lets orchestrators and log aggregators apply different
// processing rules per stream without parsing every line.
type OutputSplitter struct{}

// Write routes the formatted log line to stderr or stdout.
// It is safe for concurrent use; both OS streams handle their own locking.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by flow components that are not
// handed an explicit *logrus.Entry. It is initialized with the OutputSplitter
// and logrus defaults; applications may re-configure formatter and level:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.InfoLevel)
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
