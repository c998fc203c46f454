package reactor

import "time"

// Multiplexer abstracts the kernel readiness primitive, poll(2) or
// epoll(7). Whichever backend is in use, it must only ever be called
// from its owning Loop's goroutine.
type Multiplexer interface {
	// Poll blocks up to timeoutMs (a negative value blocks indefinitely)
	// waiting for readiness, appends every Channel that became ready to
	// active, and returns the timestamp at which the kernel call
	// returned.
	Poll(timeoutMs int, active *[]*Channel) (time.Time, error)
	UpdateChannel(ch *Channel)
	RemoveChannel(ch *Channel)
	HasChannel(ch *Channel) bool
	Close() error
}

// MultiplexerKind selects a Multiplexer backend.
type MultiplexerKind int

const (
	// KindEpoll selects the epoll(7)-based Multiplexer, the default.
	KindEpoll MultiplexerKind = iota
	// KindPoll selects the poll(2)-based Multiplexer.
	KindPoll
)

// NewMultiplexer constructs the requested Multiplexer backend.
func NewMultiplexer(kind MultiplexerKind) (Multiplexer, error) {
	switch kind {
	case KindPoll:
		return newPollPoller()
	default:
		return newEpollPoller()
	}
}
