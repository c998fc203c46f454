package reactor

import (
	"os"
	"testing"
	"time"
)

// No Channel callback may run on any goroutine but the loop's.
func TestChannelDispatchesOnLoopGoroutine(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	done := make(chan bool, 1)
	loop.RunInLoop(func() {
		ch := NewChannel(loop, int(r.Fd()))
		ch.SetReadCallback(func(ts time.Time) {
			// Drain the byte so level-triggered readiness does not fire
			// the callback again.
			var b [1]byte
			r.Read(b[:])
			done <- loop.IsInLoopThread()
		})
		ch.EnableReading()
	})

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case onLoop := <-done:
		if !onLoop {
			t.Fatal("read callback ran off the loop's goroutine")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}
}

func TestEventsToEpollAndBack(t *testing.T) {
	e := EventRead | EventWrite
	if e.toEpoll() == 0 {
		t.Fatal("expected non-zero epoll mask")
	}
	if readinessFromEpoll(e.toEpoll())&readinessRead == 0 {
		t.Fatal("expected read readiness to round-trip")
	}
}
