package reactor

import (
	"time"

	"github.com/edr1412/loom/internal/netfd"
)

// wakeup is the single event-fd Channel used to interrupt the
// Multiplexer from any goroutine other than the Loop's own.
type wakeup struct {
	fd      *netfd.EventFD
	channel *Channel
}

func newWakeup(loop *Loop) (*wakeup, error) {
	fd, err := netfd.NewEventFD()
	if err != nil {
		return nil, err
	}
	w := &wakeup{fd: fd}
	w.channel = NewChannel(loop, fd.Fd())
	w.channel.SetReadCallback(w.handleRead)
	w.channel.EnableReading()
	return w, nil
}

func (w *wakeup) wake() {
	w.fd.WriteEvent(1)
}

func (w *wakeup) handleRead(time.Time) {
	w.fd.ReadEvent()
}
