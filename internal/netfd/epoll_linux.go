package netfd

import "golang.org/x/sys/unix"

// Epoll-event bit names re-exported so callers above this package never
// import golang.org/x/sys/unix directly just to test readiness bits.
const (
	EPOLLIN    = unix.EPOLLIN
	EPOLLPRI   = unix.EPOLLPRI
	EPOLLOUT   = unix.EPOLLOUT
	EPOLLERR   = unix.EPOLLERR
	EPOLLHUP   = unix.EPOLLHUP
	EPOLLRDHUP = unix.EPOLLRDHUP
)

// Epoll is a thin wrapper around epoll_create1/epoll_ctl/epoll_wait. It
// knows nothing about Channels; the reactor package owns the fd-to-
// Channel bookkeeping and lifecycle state machine, calling down into
// this type only for the raw kernel calls.
type Epoll struct {
	epfd int
}

// NewEpoll creates a close-on-exec epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{epfd: fd}, nil
}

// Add registers fd for the given event mask.
func (e *Epoll) Add(fd int, events uint32) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Mod changes the event mask registered for fd.
func (e *Epoll) Mod(fd int, events uint32) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Del removes fd from the epoll set.
func (e *Epoll) Del(fd int) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one fd in the set is ready or timeoutMs
// elapses (a negative timeout blocks indefinitely), filling events and
// returning the number of ready fds.
func (e *Epoll) Wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(e.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Close closes the epoll fd.
func (e *Epoll) Close() error {
	return unix.Close(e.epfd)
}
