// Package reactor implements the event-dispatch core: Channel, the poll-
// and epoll-based Multiplexer, the timerfd-backed TimerQueue, the
// cross-goroutine wakeup Channel, and the single-threaded event Loop that
// ties them together, plus the LoopThread/LoopThreadPool that run N loops
// one-per-goroutine.
package reactor

import (
	"time"

	"github.com/edr1412/loom/internal/netfd"
)

// Events is the interest bitset a Channel carries. Its bits are the
// package's own; toPoll and toEpoll translate them into poll(2) and
// epoll(7) masks.
type Events uint32

const (
	EventNone Events = 0
	EventRead Events = 1 << (iota - 1)
	EventWrite
)

// reactor-level readiness observed after a Multiplexer returns, decoupled
// from which backend (poll or epoll) produced it.
type readiness uint32

const (
	readinessRead readiness = 1 << iota
	readinessWrite
	readinessError
	readinessClose
)

func readinessFromEpoll(ev uint32) readiness {
	var r readiness
	if ev&uint32(netfd.EPOLLERR) != 0 {
		r |= readinessError
	}
	if ev&uint32(netfd.EPOLLHUP) != 0 && ev&uint32(netfd.EPOLLIN) == 0 {
		r |= readinessClose
	}
	if ev&(uint32(netfd.EPOLLIN)|uint32(netfd.EPOLLPRI)|uint32(netfd.EPOLLRDHUP)) != 0 {
		r |= readinessRead
	}
	if ev&uint32(netfd.EPOLLOUT) != 0 {
		r |= readinessWrite
	}
	return r
}

func readinessFromPoll(ev int16) readiness {
	var r readiness
	if int32(ev)&netfd.POLLERR != 0 {
		r |= readinessError
	}
	if int32(ev)&netfd.POLLHUP != 0 && int32(ev)&netfd.POLLIN == 0 {
		r |= readinessClose
	}
	if int32(ev)&(netfd.POLLIN|netfd.POLLPRI|netfd.POLLRDHUP) != 0 {
		r |= readinessRead
	}
	if int32(ev)&netfd.POLLOUT != 0 {
		r |= readinessWrite
	}
	return r
}

func (e Events) toEpoll() uint32 {
	var v uint32
	if e&EventRead != 0 {
		v |= uint32(netfd.EPOLLIN) | uint32(netfd.EPOLLPRI)
	}
	if e&EventWrite != 0 {
		v |= uint32(netfd.EPOLLOUT)
	}
	return v
}

func (e Events) toPoll() int16 {
	var v int32
	if e&EventRead != 0 {
		v |= netfd.POLLIN | netfd.POLLPRI
	}
	if e&EventWrite != 0 {
		v |= netfd.POLLOUT
	}
	return int16(v)
}

// Channel binds one fd to its per-event callbacks within a single Loop.
// A Channel must only ever be mutated on its owning Loop's goroutine;
// Remove must be called before the Channel's fd is closed.
type Channel struct {
	loop *Loop
	fd   int

	events Events
	rev    readiness

	readCallback  func(ts time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// isLive ties the Channel to an owner object's lifetime: a probe
	// consulted at the top of HandleEvent, skipping the whole dispatch
	// when the owner has already begun tearing itself down. The tracing
	// GC makes reference cycles harmless, so unlike a weak pointer this
	// only has to answer "is dispatching into the owner still sane",
	// not keep anything alive.
	isLive func() bool

	index int // pollfd slot for the poll backend; -1 when unregistered
}

// NewChannel creates a Channel for fd on loop. The Channel starts with no
// interest registered; call Enable*/Update to register it.
func NewChannel(loop *Loop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: -1}
}

// Fd returns the channel's file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the currently registered interest set.
func (c *Channel) Events() Events { return c.events }

// IsNoneEvent reports whether the channel currently has no interest
// registered.
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

// SetReadCallback installs the read handler.
func (c *Channel) SetReadCallback(f func(ts time.Time)) { c.readCallback = f }

// SetWriteCallback installs the write handler.
func (c *Channel) SetWriteCallback(f func()) { c.writeCallback = f }

// SetCloseCallback installs the close (EOF) handler.
func (c *Channel) SetCloseCallback(f func()) { c.closeCallback = f }

// SetErrorCallback installs the error handler.
func (c *Channel) SetErrorCallback(f func()) { c.errorCallback = f }

// Tie installs a liveness probe consulted at the start of each
// HandleEvent call; see the isLive field doc above.
func (c *Channel) Tie(isLive func() bool) { c.isLive = isLive }

// EnableReading registers read interest and re-registers with the
// Multiplexer.
func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

// DisableReading clears read interest.
func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

// EnableWriting registers write interest.
func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

// DisableWriting clears write interest.
func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

// IsWriting reports whether write interest is currently registered.
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

// IsReading reports whether read interest is currently registered.
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

// DisableAll clears all interest, leaving the Channel registered with
// the Multiplexer but inert.
func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

// Remove removes the Channel from its loop's Multiplexer. Must be called
// on the loop's goroutine, and before the underlying fd is closed.
func (c *Channel) Remove() {
	c.loop.AssertInLoopThread()
	c.loop.removeChannel(c)
}

func (c *Channel) update() {
	c.loop.AssertInLoopThread()
	c.loop.updateChannel(c)
}

// HandleEvent dispatches the readiness last observed by the Multiplexer
// in the order error, close, read, write, invoking only callbacks the
// owner set; an absent callback is a no-op. ts is the loop's poll-return
// timestamp for this iteration, not time.Now().
func (c *Channel) HandleEvent(ts time.Time) {
	if c.isLive != nil && !c.isLive() {
		return
	}
	if c.rev&readinessError != 0 && c.errorCallback != nil {
		c.errorCallback()
	}
	if c.rev&readinessClose != 0 && c.closeCallback != nil {
		c.closeCallback()
	}
	if c.rev&readinessRead != 0 && c.readCallback != nil {
		c.readCallback(ts)
	}
	if c.rev&readinessWrite != 0 && c.writeCallback != nil {
		c.writeCallback()
	}
}
