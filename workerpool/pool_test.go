package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBoundedQueuePutTakeOrder(t *testing.T) {
	p := New("bounded", WithBoundedQueue(0))
	p.Start(1)
	defer p.Stop()

	const n = 200
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		p.Run(func() {
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

func TestBoundedQueueStopDiscardsQueued(t *testing.T) {
	q := newBoundedQueue(0)
	q.Put(Task(func() {}))
	q.Put(Task(func() {}))
	q.Stop()
	q.Put(Task(func() {})) // no-op after stop

	task, ok := q.Take()
	if ok || task != nil {
		t.Fatalf("Take after Stop = (%v, %v), want (nil, false)", task, ok)
	}
}

func TestPoolInlineRunsOnCallingGoroutine(t *testing.T) {
	p := New("inline")
	p.Start(0)

	done := make(chan struct{})
	ranInline := false
	p.Run(func() {
		ranInline = true
		close(done)
	})
	<-done
	if !ranInline {
		t.Fatal("inline task did not run")
	}
	p.Stop()
}

// The multiset of popped items must equal the multiset of pushed items,
// with no duplicate and no dropped value, under concurrent producers
// and consumers.
func TestLockFreeQueueMultisetPreserved(t *testing.T) {
	const producers = 4
	const perProducer = 2000
	const total = producers * perProducer

	p := New("lockfree", WithLockFreeQueue())
	p.Start(4)

	var produced int64
	var consumed int64
	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	var pwg sync.WaitGroup
	wg.Add(total)
	pwg.Add(producers)

	for prod := 0; prod < producers; prod++ {
		prod := prod
		go func() {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				v := prod*perProducer + i
				p.Run(func() {
					atomic.AddInt64(&produced, 1)
					mu.Lock()
					seen[v]++
					mu.Unlock()
					atomic.AddInt64(&consumed, 1)
					wg.Done()
				})
			}
		}()
	}

	pwg.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out: produced=%d consumed=%d", atomic.LoadInt64(&produced), atomic.LoadInt64(&consumed))
	}

	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total {
		t.Fatalf("got %d distinct values, want %d", len(seen), total)
	}
	for v, count := range seen {
		if count != 1 {
			t.Fatalf("value %d seen %d times, want 1", v, count)
		}
	}
}

// Each producer's items must come out in the order that producer pushed
// them, even with the producers racing each other; a single consumer
// drains so the pop order is unambiguous.
func TestLockFreeQueuePerProducerFIFO(t *testing.T) {
	const producers = 4
	const perProducer = 5000

	q := newLockFreeQueue()
	var popped []int
	var pwg sync.WaitGroup
	pwg.Add(producers)

	for prod := 0; prod < producers; prod++ {
		prod := prod
		go func() {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				v := prod*perProducer + i
				q.Put(Task(func() { popped = append(popped, v) }))
			}
		}()
	}

	drained := 0
	deadline := time.Now().Add(10 * time.Second)
	for drained < producers*perProducer {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after draining %d items", drained)
		}
		task, ok := q.Take()
		if !ok {
			t.Fatal("queue reported stopped while still draining")
		}
		if task == nil {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		task()
		drained++
	}
	pwg.Wait()

	lastSeen := make(map[int]int)
	for prod := 0; prod < producers; prod++ {
		lastSeen[prod] = -1
	}
	seen := make(map[int]bool, len(popped))
	for _, v := range popped {
		if seen[v] {
			t.Fatalf("value %d popped twice", v)
		}
		seen[v] = true
		prod := v / perProducer
		if v <= lastSeen[prod] {
			t.Fatalf("producer %d out of order: %d after %d", prod, v, lastSeen[prod])
		}
		lastSeen[prod] = v
	}
	if len(popped) != producers*perProducer {
		t.Fatalf("popped %d items, want %d", len(popped), producers*perProducer)
	}
}

func TestLockFreeQueueFIFOSingleProducer(t *testing.T) {
	q := newLockFreeQueue()
	for i := 0; i < 100; i++ {
		i := i
		q.Put(Task(func() { _ = i }))
	}
	for i := 0; i < 100; i++ {
		task, ok := q.Take()
		if !ok || task == nil {
			t.Fatalf("Take(%d) = (%v, %v), want a task", i, task, ok)
		}
	}
	q.Stop()
	task, ok := q.Take()
	if ok || task != nil {
		t.Fatalf("Take after drain+Stop = (%v, %v), want (nil, false)", task, ok)
	}
}
