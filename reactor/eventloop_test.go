package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) (*Loop, func()) {
	t.Helper()
	lt := NewLoopThread(KindEpoll, nil)
	loop, err := lt.Start()
	if err != nil {
		t.Fatalf("LoopThread.Start: %v", err)
	}
	return loop, func() {
		loop.Quit()
		lt.Wait()
	}
}

// A timer scheduled from a foreign goroutine must run on the loop's own
// goroutine, at or after its requested delay.
func TestTimerFiresOnLoopGoroutine(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	submit := time.Now()
	var fired int32
	var onLoopGoroutine int32
	done := make(chan struct{})

	go func() {
		loop.RunAfter(50*time.Millisecond, func() {
			atomic.StoreInt32(&fired, 1)
			if loop.IsInLoopThread() {
				atomic.StoreInt32(&onLoopGoroutine, 1)
			}
			close(done)
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("timer callback did not run")
	}
	if atomic.LoadInt32(&onLoopGoroutine) != 1 {
		t.Fatal("timer callback ran off the loop's goroutine")
	}
	if elapsed := time.Since(submit); elapsed < 50*time.Millisecond {
		t.Fatalf("timer fired early: %v", elapsed)
	}
}

func TestCancelBeforeFirePreventsCallback(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	var fired int32
	id := loop.RunAfter(200*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	loop.CancelTimer(id)

	time.Sleep(400 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled timer fired")
	}
}

// Tasks queued by one goroutine must run in submission order.
func TestQueueInLoopPreservesSubmitOrder(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	const n = 500
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		loop.QueueInLoop(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}
