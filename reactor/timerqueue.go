package reactor

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/edr1412/loom/internal/netfd"
)

// timerHeap is a min-heap of *Timer ordered by (expiration, sequence).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*Timer)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TimerQueue is backed by a timerfd integrated as a Channel. AddTimer
// and Cancel are safe from any goroutine; they post the actual heap
// mutation onto the owning Loop.
type TimerQueue struct {
	loop    *Loop
	timerFD *netfd.TimerFD
	channel *Channel

	heap       timerHeap
	byID       map[int64]*Timer
	cancelling map[int64]struct{}
	nextSeq    int64
}

// NewTimerQueue creates a TimerQueue bound to loop, registering its
// timerfd Channel for reading.
func NewTimerQueue(loop *Loop) (*TimerQueue, error) {
	fd, err := netfd.NewTimerFD()
	if err != nil {
		return nil, err
	}
	tq := &TimerQueue{
		loop:       loop,
		timerFD:    fd,
		byID:       make(map[int64]*Timer),
		cancelling: make(map[int64]struct{}),
	}
	tq.channel = NewChannel(loop, fd.Fd())
	tq.channel.SetReadCallback(tq.handleRead)
	tq.channel.EnableReading()
	return tq, nil
}

// AddTimer schedules cb to run at when, repeating every interval if
// interval > 0. Safe to call from any goroutine.
func (tq *TimerQueue) AddTimer(cb func(), when time.Time, interval time.Duration) TimerID {
	id := atomic.AddInt64(&tq.nextSeq, 1)
	t := &Timer{expiration: when, interval: interval, callback: cb, sequence: id}
	tq.loop.RunInLoop(func() {
		tq.insert(t)
	})
	return TimerID{sequence: id}
}

// Cancel cancels the timer identified by id. Safe to call from any
// goroutine. If the callback has not yet begun on the loop goroutine it
// is guaranteed not to begin; a periodic timer cancelled mid-fire will
// not re-arm.
func (tq *TimerQueue) Cancel(id TimerID) {
	tq.loop.RunInLoop(func() {
		if t, ok := tq.byID[id.sequence]; ok {
			tq.removeFromHeap(t)
			delete(tq.byID, id.sequence)
		}
		tq.cancelling[id.sequence] = struct{}{}
	})
}

func (tq *TimerQueue) insert(t *Timer) {
	earliestChanged := len(tq.heap) == 0 || t.expiration.Before(tq.heap[0].expiration)
	heap.Push(&tq.heap, t)
	tq.byID[t.sequence] = t
	if earliestChanged {
		tq.rearm()
	}
}

func (tq *TimerQueue) removeFromHeap(target *Timer) {
	for i, t := range tq.heap {
		if t == target {
			heap.Remove(&tq.heap, i)
			return
		}
	}
}

func (tq *TimerQueue) rearm() {
	if len(tq.heap) == 0 {
		tq.timerFD.Disarm()
		return
	}
	delay := time.Until(tq.heap[0].expiration)
	tq.timerFD.ArmOnce(delay)
}

func (tq *TimerQueue) handleRead(now time.Time) {
	tq.timerFD.ReadExpirations()

	var expired []*Timer
	for len(tq.heap) > 0 && !tq.heap[0].expiration.After(now) {
		expired = append(expired, heap.Pop(&tq.heap).(*Timer))
	}

	for _, t := range expired {
		delete(tq.byID, t.sequence)
		if _, cancelled := tq.cancelling[t.sequence]; cancelled {
			continue
		}
		t.callback()
		if t.interval > 0 {
			if _, cancelled := tq.cancelling[t.sequence]; !cancelled {
				t.restart(now)
				heap.Push(&tq.heap, t)
				tq.byID[t.sequence] = t
			}
		}
	}
	tq.cancelling = make(map[int64]struct{})

	tq.rearm()
}

// EarliestExpiration reports the nearest pending timer's deadline, used
// by Loop to bound the Multiplexer's poll timeout. ok is false when no
// timer is pending.
func (tq *TimerQueue) EarliestExpiration() (when time.Time, ok bool) {
	if len(tq.heap) == 0 {
		return time.Time{}, false
	}
	return tq.heap[0].expiration, true
}

// close releases the timerfd. The Channel registration dies with the
// Multiplexer, so no per-channel teardown is needed here.
func (tq *TimerQueue) close() error {
	return tq.timerFD.Close()
}
