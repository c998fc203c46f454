package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const secondsPerDay = 60 * 60 * 24

// LogFile is a single rolling append-only destination file: it rolls to
// a new timestamped file once rollSize bytes have been written or the
// day boundary is crossed, and flushes to disk every flushInterval,
// checked at most every checkEveryN appends. File names have one-second
// resolution, so a roll within the same second as the previous one
// reopens that file and keeps appending to it. The async logger's writer
// goroutine is its only caller in the normal pipeline, so the mutex
// exists only for direct callers that bypass it.
type LogFile struct {
	basename      string
	rollSizeBytes int64
	flushInterval time.Duration
	checkEveryN   int

	mu         sync.Mutex
	threadSafe bool

	count         int
	file          *os.File
	written       int64
	startOfPeriod time.Time
	lastRoll      time.Time
	lastFlush     time.Time
}

// NewLogFile creates a LogFile writing basename-prefixed files into dir
// (or the current directory if dir is empty). threadSafe guards append
// with a mutex; the async logger's single writer goroutine can pass
// false.
func NewLogFile(dir, basename string, rollSizeBytes int64, threadSafe bool, flushInterval time.Duration, checkEveryN int) (*LogFile, error) {
	if checkEveryN <= 0 {
		checkEveryN = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 3 * time.Second
	}
	lf := &LogFile{
		basename:      filepath.Join(dir, basename),
		rollSizeBytes: rollSizeBytes,
		flushInterval: flushInterval,
		checkEveryN:   checkEveryN,
		threadSafe:    threadSafe,
	}
	if err := lf.rollFile(time.Now()); err != nil {
		return nil, err
	}
	return lf, nil
}

// Append writes p, rolling to a new file first if needed.
func (lf *LogFile) Append(p []byte) error {
	if lf.threadSafe {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	return lf.appendLocked(p)
}

func (lf *LogFile) appendLocked(p []byte) error {
	now := time.Now()
	if _, err := lf.file.Write(p); err != nil {
		return errors.Wrap(err, "logging: write log file")
	}
	lf.written += int64(len(p))

	if lf.written > lf.rollSizeBytes {
		return lf.rollFile(now)
	}

	lf.count++
	if lf.count >= lf.checkEveryN {
		lf.count = 0
		thisPeriod := now.Truncate(secondsPerDay * time.Second)
		if !thisPeriod.Equal(lf.startOfPeriod) {
			return lf.rollFile(now)
		}
		if now.Sub(lf.lastFlush) > lf.flushInterval {
			lf.lastFlush = now
			return lf.file.Sync()
		}
	}
	return nil
}

// Flush forces the current file's buffered data to disk.
func (lf *LogFile) Flush() error {
	if lf.threadSafe {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	if lf.file == nil {
		return nil
	}
	return lf.file.Sync()
}

// Close releases the current file handle.
func (lf *LogFile) Close() error {
	if lf.threadSafe {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	if lf.file == nil {
		return nil
	}
	return lf.file.Close()
}

func (lf *LogFile) rollFile(now time.Time) error {
	if lf.file != nil {
		lf.file.Close()
	}
	name := logFileName(lf.basename, now)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "logging: open log file %s", name)
	}
	lf.file = f
	lf.written = 0
	lf.count = 0
	lf.lastRoll = now
	lf.lastFlush = now
	lf.startOfPeriod = now.Truncate(secondsPerDay * time.Second)
	return nil
}

// logFileName builds basename.yyyymmdd-hhmmss.hostname.pid.log; the
// shape is fixed so external log collection keeps working across rolls.
func logFileName(basename string, now time.Time) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknownhost"
	}
	return fmt.Sprintf("%s.%s.%s.%d.log", basename, now.UTC().Format("20060102-150405"), host, os.Getpid())
}
