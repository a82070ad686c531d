// Package log provides loggers for the dataflow engine.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DebugEnv is the environment variable that enables debug level.
const DebugEnv = "DATAFLOW_DEBUG"

// Debug reports whether DebugEnv parses true.
func Debug() bool {
	debug, err := strconv.ParseBool(os.Getenv(DebugEnv))
	return err == nil && debug
}

// GetLogger returns a new logger instance.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if Debug() {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Silent returns a logger that discards everything.
func Silent() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
