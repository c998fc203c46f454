package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus.Level so callers configuring this package don't
// need to import logrus directly for the common case.
type Level = logrus.Level

const (
	TraceLevel = logrus.TraceLevel
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
	FatalLevel = logrus.FatalLevel
)

// LevelFromEnvironment reads MUDUO_LOG_TRACE and MUDUO_LOG_DEBUG once at
// process start to pick a default verbosity without requiring a config
// file. Trace wins over Debug if both are set.
func LevelFromEnvironment() Level {
	if _, ok := os.LookupEnv("MUDUO_LOG_TRACE"); ok {
		return TraceLevel
	}
	if _, ok := os.LookupEnv("MUDUO_LOG_DEBUG"); ok {
		return DebugLevel
	}
	return InfoLevel
}
