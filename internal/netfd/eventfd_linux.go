package netfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFD is a Linux eventfd(2) used as the cross-goroutine wakeup
// primitive: writing 8 bytes from any goroutine makes the fd readable,
// interrupting whichever multiplexer is blocked in poll/epoll.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking, close-on-exec eventfd with an
// initial counter of zero.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (e *EventFD) Fd() int { return e.fd }

// WriteEvent adds val to the eventfd's counter, waking any waiter.
func (e *EventFD) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// ReadEvent drains the eventfd's counter, returning its value.
func (e *EventFD) ReadEvent() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, unix.EIO
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close closes the eventfd.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
