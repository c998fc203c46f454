package netfd

import "golang.org/x/sys/unix"

// Re-exported poll(2) event bits, mirroring the EPOLL* constants above so
// the two Multiplexer backends in the reactor package can share one set
// of readiness predicates.
const (
	POLLIN    = unix.POLLIN
	POLLPRI   = unix.POLLPRI
	POLLOUT   = unix.POLLOUT
	POLLERR   = unix.POLLERR
	POLLHUP   = unix.POLLHUP
	POLLRDHUP = unix.POLLRDHUP
)

// Poll calls poll(2) on fds, blocking up to timeoutMs (negative blocks
// indefinitely). It retries transparently on EINTR.
func Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
