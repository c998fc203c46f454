package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edr1412/loom/logging"
)

// defaultPollTimeout bounds how long a single Multiplexer.Poll call may
// block when no timer is pending, so the loop periodically notices its
// quit flag even without external wakeups.
const defaultPollTimeout = 10 * time.Second

// Loop is a single-threaded reactor. Every Channel registered with it,
// and its Multiplexer and TimerQueue, must only be touched from the
// goroutine that owns it: the constructing goroutine at first, then the
// goroutine that calls Loop().
type Loop struct {
	mux           Multiplexer
	timerQueue    *TimerQueue
	wakeupChannel *wakeup

	ownerGoroutine atomic.Uint64

	pendingMu          sync.Mutex
	pending            []func()
	callingPendingTask bool

	quit atomic.Int32

	activeChannels   []*Channel
	pollReturnTime   time.Time
	pollReturnTimeMu sync.RWMutex

	log *logrus.Entry
}

// New constructs a Loop using the given Multiplexer backend. The
// constructing goroutine owns the Loop until Loop() is called; Loop()
// transfers ownership to its caller, so a Loop may be built on one
// goroutine and run on another as long as no Channel is registered in
// between from a third.
func New(kind MultiplexerKind) (*Loop, error) {
	mux, err := NewMultiplexer(kind)
	if err != nil {
		return nil, err
	}
	l := &Loop{mux: mux, log: logging.WithField("component", "reactor.Loop")}
	l.ownerGoroutine.Store(goroutineID())
	tq, err := NewTimerQueue(l)
	if err != nil {
		mux.Close()
		return nil, err
	}
	l.timerQueue = tq
	wk, err := newWakeup(l)
	if err != nil {
		tq.close()
		mux.Close()
		return nil, err
	}
	l.wakeupChannel = wk
	return l, nil
}

// Loop runs the reactor until Quit is observed. The calling goroutine
// becomes the Loop's owner. A panic escaping a Channel callback or a
// queued task is logged and aborts the process; the loop has no
// internal retry.
func (l *Loop) Loop() {
	l.ownerGoroutine.Store(goroutineID())
	l.log.Debug("event loop started")

	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Fatal("event loop callback panicked")
		}
	}()

	for l.quit.Load() == 0 {
		l.activeChannels = l.activeChannels[:0]
		timeoutMs := l.pollTimeoutMs()

		ts, err := l.mux.Poll(timeoutMs, &l.activeChannels)
		if err != nil {
			l.log.WithError(err).Warn("multiplexer poll failed")
			continue
		}
		l.setPollReturnTime(ts)

		for _, ch := range l.activeChannels {
			ch.HandleEvent(ts)
		}
		l.doPendingTasks()
	}

	l.log.Debug("event loop stopping")
}

// Quit makes the loop return from Loop() after completing its current
// iteration. Safe to call from any goroutine; if called from outside the
// loop's own goroutine it also wakes the Multiplexer.
func (l *Loop) Quit() {
	l.quit.Store(1)
	if !l.IsInLoopThread() {
		l.wakeupChannel.wake()
	}
}

// IsInLoopThread reports whether the calling goroutine is this Loop's
// owner.
func (l *Loop) IsInLoopThread() bool {
	return goroutineID() == l.ownerGoroutine.Load()
}

// AssertInLoopThread aborts the process if called from a goroutine other
// than this Loop's owner. Wrong-thread use is a programming error, never
// recovered.
func (l *Loop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		l.log.Panic("reactor: operation not performed on the loop's owning goroutine")
	}
}

// RunInLoop runs task immediately if called from the loop's own
// goroutine, otherwise queues it via QueueInLoop.
func (l *Loop) RunInLoop(task func()) {
	if l.IsInLoopThread() {
		task()
	} else {
		l.QueueInLoop(task)
	}
}

// QueueInLoop appends task to the pending-task list and wakes the loop
// when the call comes from another goroutine, or from a task running in
// the pending-task drain (its task would otherwise wait for the next
// poll to return). A call from a Channel callback on the loop goroutine
// needs no wakeup: the drain follows dispatch in the same iteration.
func (l *Loop) QueueInLoop(task func()) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, task)
	shouldWake := !l.IsInLoopThread() || l.callingPendingTask
	l.pendingMu.Unlock()

	if shouldWake {
		l.wakeupChannel.wake()
	}
}

// doPendingTasks swaps the pending list out under the mutex and runs the
// tasks outside it, so a task may queue further tasks (serviced next
// iteration) without deadlock and the lock hold time stays bounded.
func (l *Loop) doPendingTasks() {
	l.pendingMu.Lock()
	tasks := l.pending
	l.pending = nil
	l.callingPendingTask = true
	l.pendingMu.Unlock()

	for _, t := range tasks {
		t()
	}

	l.pendingMu.Lock()
	l.callingPendingTask = false
	l.pendingMu.Unlock()
}

// RunAt schedules cb to run once at when.
func (l *Loop) RunAt(when time.Time, cb func()) TimerID {
	return l.timerQueue.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to run once after delay.
func (l *Loop) RunAfter(delay time.Duration, cb func()) TimerID {
	return l.timerQueue.AddTimer(cb, time.Now().Add(delay), 0)
}

// RunEvery schedules cb to run every interval, starting one interval from
// now.
func (l *Loop) RunEvery(interval time.Duration, cb func()) TimerID {
	return l.timerQueue.AddTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a timer previously scheduled on this loop.
func (l *Loop) CancelTimer(id TimerID) {
	l.timerQueue.Cancel(id)
}

// updateChannel forwards to the Multiplexer. Must be called on this
// Loop's goroutine.
func (l *Loop) updateChannel(ch *Channel) {
	l.AssertInLoopThread()
	l.mux.UpdateChannel(ch)
}

// removeChannel forwards to the Multiplexer. Must be called on this
// Loop's goroutine.
func (l *Loop) removeChannel(ch *Channel) {
	l.AssertInLoopThread()
	l.mux.RemoveChannel(ch)
}

// HasChannel reports whether ch is currently registered with this Loop.
// Must be called on this Loop's goroutine.
func (l *Loop) HasChannel(ch *Channel) bool {
	l.AssertInLoopThread()
	return l.mux.HasChannel(ch)
}

// PollReturnTime is the timestamp the Multiplexer returned for the
// iteration currently (or most recently) dispatching Channel callbacks.
// A TCP Connection's message callback timestamp is this value rather
// than time.Now(), so two messages delivered within the same poll
// iteration carry an identical timestamp.
func (l *Loop) PollReturnTime() time.Time {
	l.pollReturnTimeMu.RLock()
	defer l.pollReturnTimeMu.RUnlock()
	return l.pollReturnTime
}

func (l *Loop) setPollReturnTime(ts time.Time) {
	l.pollReturnTimeMu.Lock()
	l.pollReturnTime = ts
	l.pollReturnTimeMu.Unlock()
}

func (l *Loop) pollTimeoutMs() int {
	if when, ok := l.timerQueue.EarliestExpiration(); ok {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		if d > defaultPollTimeout {
			d = defaultPollTimeout
		}
		return int(d / time.Millisecond)
	}
	return int(defaultPollTimeout / time.Millisecond)
}

// Close releases the Loop's Multiplexer, TimerQueue and Wakeup fds. Call
// only after Loop() has returned; it touches no Channel registrations,
// so it is safe from any goroutine once the loop is no longer running.
func (l *Loop) Close() error {
	l.wakeupChannel.fd.Close()
	l.timerQueue.close()
	return l.mux.Close()
}
