// Package workerpool implements a fixed-size worker-goroutine pool
// backed by a concurrent FIFO task queue, with a bounded blocking
// variant and a lock-free Michael–Scott variant selected once at
// construction.
package workerpool

import (
	"sync"
	"time"

	"github.com/edr1412/loom/logging"
)

// Task is an opaque unit of work: no arguments, no return value.
type Task func()

// queue is the FIFO a Pool pulls Tasks from. Both concrete
// implementations (boundedQueue, lockFreeQueue) satisfy it.
type queue interface {
	Put(Task)
	Take() (Task, bool) // ok=false means the queue is stopped; queued tasks are discarded
	Stop()
}

// Option configures a Pool at construction: the queue selection is made
// once and never mutated afterward.
type Option func(*Pool)

// WithBoundedQueue selects the bounded blocking-queue variant. maxSize=0
// means unbounded Put.
func WithBoundedQueue(maxSize int) Option {
	return func(p *Pool) { p.q = newBoundedQueue(maxSize) }
}

// WithLockFreeQueue selects the lock-free queue variant, trading
// deterministic throughput for avoidance of mutex contention at high
// fan-in.
func WithLockFreeQueue() Option {
	return func(p *Pool) { p.q = newLockFreeQueue() }
}

// Pool is a fixed-size set of worker goroutines draining a shared Task
// queue in FIFO order; ordering between producers is unspecified but
// each producer's own tasks are popped in the order it submitted them.
type Pool struct {
	name   string
	q      queue
	wg     sync.WaitGroup
	inline bool
}

// New creates a Pool named name, defaulting to an unbounded bounded-queue
// unless an Option selects otherwise.
func New(name string, opts ...Option) *Pool {
	p := &Pool{name: name}
	for _, opt := range opts {
		opt(p)
	}
	if p.q == nil {
		p.q = newBoundedQueue(0)
	}
	return p
}

// Start launches n worker goroutines. n<=0 means "run tasks inline on
// the calling goroutine".
func (p *Pool) Start(n int) {
	if n <= 0 {
		p.inline = true
		return
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Run submits task to the pool. If Start was called with n<=0, task runs
// synchronously on the calling goroutine instead of touching the queue.
func (p *Pool) Run(task Task) {
	if p.inline {
		p.runTask(-1, task)
		return
	}
	p.q.Put(task)
}

// Stop signals all workers to exit once their queue is drained of
// in-flight work; queued-but-not-yet-started tasks are discarded. Stop
// blocks until every worker goroutine has returned.
func (p *Pool) Stop() {
	p.q.Stop()
	p.wg.Wait()
}

// emptyBackoff bounds how long a worker naps between polls of a queue
// that reported itself empty without being stopped. The bounded queue
// never takes this path (its Take blocks on a condition variable); the
// lock-free queue's Take is non-blocking by construction and needs a
// consumer-side poll interval instead.
const emptyBackoff = time.Millisecond

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.q.Take()
		if !ok {
			return
		}
		if task == nil {
			time.Sleep(emptyBackoff)
			continue
		}
		p.runTask(id, task)
	}
}

// runTask executes task, converting a panic into a logged fatal abort.
// Workers are not expected to panic; aborting preserves evidence.
func (p *Pool) runTask(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithField("pool", p.name).WithField("worker", id).WithField("panic", r).Fatal("worker task panicked")
		}
	}()
	task()
}
