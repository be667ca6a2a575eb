// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package fplog provides the message output used across the engines.
// Messages go to stderr so command output stays scriptable.
package fplog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	return l
}

// SetLevel adjusts verbosity: negative silences everything below errors,
// 0 is the default, 1 enables verbose messages, 2 and above debug.
func SetLevel(level int) {
	switch {
	case level < 0:
		logger.SetLevel(logrus.ErrorLevel)
	case level == 0:
		logger.SetLevel(logrus.InfoLevel)
	case level == 1:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.TraceLevel)
	}
}

// SetOutput redirects all messages, used by tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Debugf logs a message useful only when tracing engine internals.
func Debugf(format string, args ...interface{}) {
	logger.Tracef(format, args...)
}

// Verbosef logs a message shown at increased verbosity.
func Verbosef(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs a user-facing progress message.
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warningf logs a condition that does not change the outcome.
func Warningf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf logs a failure.
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}
