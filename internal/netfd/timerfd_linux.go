package netfd

import (
	"time"

	"golang.org/x/sys/unix"
)

// TimerFD wraps a Linux timerfd, the kernel primitive the reactor's
// TimerQueue integrates as a Channel rather than sleeping in a
// goroutine.
type TimerFD struct {
	fd int
}

// NewTimerFD creates a non-blocking, close-on-exec, monotonic timerfd
// that is initially disarmed.
func NewTimerFD() (*TimerFD, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &TimerFD{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (t *TimerFD) Fd() int { return t.fd }

// ArmOnce arms the timer to fire once at the given monotonic delay from
// now. A non-positive delay arms the earliest expiration the kernel
// allows, matching the Timer Queue's "re-arm immediately" path for an
// already-due timer.
func (t *TimerFD) ArmOnce(delay time.Duration) error {
	if delay < time.Microsecond {
		delay = time.Microsecond
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delay.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Disarm stops the timer without closing the fd.
func (t *TimerFD) Disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// ReadExpirations drains the timerfd's expiration counter, returning how
// many times it fired since the last read.
func (t *TimerFD) ReadExpirations() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, unix.EIO
	}
	return hostEndianUint64(buf), nil
}

// Close closes the timerfd.
func (t *TimerFD) Close() error {
	return unix.Close(t.fd)
}

func hostEndianUint64(b [8]byte) uint64 {
	// timerfd's expiration counter is a native-endian uint64_t; on every
	// Linux target Go supports that is little-endian.
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
