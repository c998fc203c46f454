package reactor

import (
	"time"

	"github.com/edr1412/loom/internal/netfd"
	"golang.org/x/sys/unix"
)

type channelState int

const (
	stateNew channelState = iota
	stateAdded
	stateDeleted
)

// epollPoller is the epoll(7)-based Multiplexer: an epoll fd, a reusable
// event buffer sized to the largest batch seen so far, and a map from fd
// to Channel plus each Channel's new/added/deleted state.
type epollPoller struct {
	epoll   *netfd.Epoll
	events  []unix.EpollEvent
	channel map[int]*Channel
	state   map[int]channelState
}

func newEpollPoller() (*epollPoller, error) {
	ep, err := netfd.NewEpoll()
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epoll:   ep,
		events:  make([]unix.EpollEvent, 16),
		channel: make(map[int]*Channel),
		state:   make(map[int]channelState),
	}, nil
}

func (p *epollPoller) Poll(timeoutMs int, active *[]*Channel) (time.Time, error) {
	n, err := p.epoll.Wait(p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		return now, err
	}
	for i := 0; i < n; i++ {
		ch, ok := p.channel[int(p.events[i].Fd)]
		if !ok {
			continue
		}
		ch.rev = readinessFromEpoll(p.events[i].Events)
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		// The kernel may have had more ready fds than fit; grow for next
		// time.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(ch *Channel) {
	fd := ch.fd
	st := p.state[fd]
	switch st {
	case stateNew, stateDeleted:
		p.channel[fd] = ch
		if err := p.epoll.Add(fd, ch.events.toEpoll()); err == nil {
			p.state[fd] = stateAdded
		}
	case stateAdded:
		if ch.IsNoneEvent() {
			p.epoll.Del(fd)
			p.state[fd] = stateDeleted
		} else {
			p.epoll.Mod(fd, ch.events.toEpoll())
		}
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) {
	fd := ch.fd
	if p.state[fd] == stateAdded {
		p.epoll.Del(fd)
	}
	delete(p.channel, fd)
	delete(p.state, fd)
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	existing, ok := p.channel[ch.fd]
	return ok && existing == ch
}

func (p *epollPoller) Close() error { return p.epoll.Close() }
