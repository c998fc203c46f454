package reactor

import (
	"time"

	"github.com/edr1412/loom/internal/netfd"
	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2)-based Multiplexer: a parallel vector of
// pollfd records plus a map from fd to Channel. Each Channel's index
// into the vector is tracked so disabling
// all interest can set the pollfd's Fd to the negative value -fd-1
// (ignored by the kernel, still recoverable) without a vector scan, and
// removal can swap-and-pop.
type pollPoller struct {
	fds     []unix.PollFd
	channel map[int]*Channel
}

func newPollPoller() (*pollPoller, error) {
	return &pollPoller{channel: make(map[int]*Channel)}, nil
}

func (p *pollPoller) Poll(timeoutMs int, active *[]*Channel) (time.Time, error) {
	n, err := netfd.Poll(p.fds, timeoutMs)
	now := time.Now()
	if err != nil {
		return now, err
	}
	for i := 0; i < len(p.fds) && n > 0; i++ {
		pfd := &p.fds[i]
		if pfd.Fd < 0 || pfd.Revents == 0 {
			continue
		}
		n--
		ch, ok := p.channel[int(pfd.Fd)]
		if !ok {
			continue
		}
		ch.rev = readinessFromPoll(pfd.Revents)
		*active = append(*active, ch)
	}
	return now, nil
}

func (p *pollPoller) UpdateChannel(ch *Channel) {
	if ch.index < 0 {
		ch.index = len(p.fds)
		p.fds = append(p.fds, unix.PollFd{Fd: int32(ch.fd), Events: ch.events.toPoll()})
		p.channel[ch.fd] = ch
		return
	}
	pfd := &p.fds[ch.index]
	if ch.IsNoneEvent() {
		pfd.Fd = int32(-ch.fd - 1) // disable while keeping the slot for quick re-enable
		pfd.Events = 0
	} else {
		pfd.Fd = int32(ch.fd)
		pfd.Events = ch.events.toPoll()
	}
}

func (p *pollPoller) RemoveChannel(ch *Channel) {
	if ch.index < 0 {
		return
	}
	last := len(p.fds) - 1
	if ch.index != last {
		p.fds[ch.index] = p.fds[last]
		movedFd := int(p.fds[ch.index].Fd)
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		if moved, ok := p.channel[movedFd]; ok {
			moved.index = ch.index
		}
	}
	p.fds = p.fds[:last]
	delete(p.channel, ch.fd)
	ch.index = -1
}

func (p *pollPoller) HasChannel(ch *Channel) bool {
	existing, ok := p.channel[ch.fd]
	return ok && existing == ch
}

func (p *pollPoller) Close() error { return nil }
