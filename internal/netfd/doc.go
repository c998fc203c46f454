// Package netfd wraps the raw Linux syscalls the reactor needs: socket
// creation, accept4, epoll, poll, eventfd and timerfd. Other packages
// still import golang.org/x/sys/unix for errno constants, the PollFd and
// EpollEvent types, and readv; everything here is safe to call from any
// goroutine unless a function's doc says otherwise.
package netfd
