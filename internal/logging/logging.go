// Package logging builds the process logger.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to out. Defaults to level info and JSON format;
// format "text" switches to the human-readable formatter.
func New(out io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "trace":
		logger.SetLevel(logrus.TraceLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
