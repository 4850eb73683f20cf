// Package logging builds the repository-wide logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing human-readable lines with full
// timestamps. A zero level means Info.
func New(level logrus.Level, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	if level == 0 {
		level = logrus.InfoLevel
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}

// Quiet returns a logger that only reports errors. Tests use it.
func Quiet() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}
