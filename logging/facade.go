package logging

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// facade is the process-wide logger: most call sites just want
// Info/Warn/Error without constructing and threading a logger through
// every function.
var (
	facadeMu sync.RWMutex
	facade   = logrus.New()
	async    *AsyncLogger
)

func init() {
	facade.SetLevel(LevelFromEnvironment())
	facade.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	facade.SetOutput(os.Stderr)
}

// Configure redirects the process-wide logger through an AsyncLogger
// backed by a rolling LogFile, and starts its writer goroutine. Call
// Shutdown before process exit to flush pending buffers.
func Configure(dir, basename string, rollSizeBytes int64) error {
	lf, err := NewLogFile(dir, basename, rollSizeBytes, false, defaultFlushInterval, 1024)
	if err != nil {
		return err
	}
	a := NewAsyncLogger(lf, defaultFlushInterval)
	a.Start()

	facadeMu.Lock()
	async = a
	facade.SetOutput(a)
	facadeMu.Unlock()
	return nil
}

// Shutdown stops the async writer goroutine and flushes pending log
// data, if Configure was called. It is a no-op otherwise.
func Shutdown() {
	facadeMu.Lock()
	a := async
	async = nil
	facade.SetOutput(os.Stderr)
	facadeMu.Unlock()
	if a != nil {
		a.Stop()
	}
}

// SetLevel changes the process-wide minimum log level at runtime.
func SetLevel(lvl Level) {
	facadeMu.Lock()
	defer facadeMu.Unlock()
	facade.SetLevel(lvl)
}

func entry() *logrus.Entry {
	facadeMu.RLock()
	defer facadeMu.RUnlock()
	return logrus.NewEntry(facade)
}

func Trace(args ...interface{}) { entry().Trace(args...) }
func Debug(args ...interface{}) { entry().Debug(args...) }
func Info(args ...interface{})  { entry().Info(args...) }
func Warn(args ...interface{})  { entry().Warn(args...) }
func Error(args ...interface{}) { entry().Error(args...) }
func Fatal(args ...interface{}) { entry().Fatal(args...) }

func Tracef(format string, args ...interface{}) { entry().Tracef(format, args...) }
func Debugf(format string, args ...interface{}) { entry().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { entry().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { entry().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { entry().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { entry().Fatalf(format, args...) }

// WithField returns an entry carrying one structured field, for call
// sites that want context attached without building their own logrus
// entry.
func WithField(key string, value interface{}) *logrus.Entry {
	return entry().WithField(key, value)
}

const defaultFlushInterval = 3 * time.Second
