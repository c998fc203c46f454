package reactor

import (
	"hash/fnv"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// LoopThreadPool owns N LoopThreads and hands loops out round-robin or by
// a caller-supplied hash key. N==0 means "use the base loop for
// everything".
type LoopThreadPool struct {
	base    *Loop
	kind    MultiplexerKind
	init    func(*Loop)
	threads []*LoopThread
	loops   []*Loop
	next    uint64
	started bool
}

// NewLoopThreadPool creates a pool bound to base, the loop that accepts
// connections (or otherwise originates work to distribute).
func NewLoopThreadPool(base *Loop, kind MultiplexerKind, threadInit func(*Loop)) *LoopThreadPool {
	return &LoopThreadPool{base: base, kind: kind, init: threadInit}
}

// Start creates and starts numThreads LoopThreads. Starting them
// concurrently and propagating the first construction error uses
// golang.org/x/sync/errgroup rather than a hand-rolled WaitGroup+error
// channel.
func (p *LoopThreadPool) Start(numThreads int) error {
	if p.started {
		panic("reactor: LoopThreadPool already started")
	}
	p.started = true

	if numThreads <= 0 {
		p.loops = []*Loop{p.base}
		return nil
	}

	p.threads = make([]*LoopThread, numThreads)
	p.loops = make([]*Loop, numThreads)

	var g errgroup.Group
	for i := 0; i < numThreads; i++ {
		i := i
		p.threads[i] = NewLoopThread(p.kind, p.init)
		g.Go(func() error {
			loop, err := p.threads[i].Start()
			if err != nil {
				return err
			}
			p.loops[i] = loop
			return nil
		})
	}
	return g.Wait()
}

// GetNextLoop returns the pool's loops round-robin.
func (p *LoopThreadPool) GetNextLoop() *Loop {
	if len(p.loops) == 0 {
		return p.base
	}
	n := atomic.AddUint64(&p.next, 1) - 1
	return p.loops[n%uint64(len(p.loops))]
}

// GetLoopForHash returns the loop for key using rendezvous (highest
// random weight) hashing over the pool's current loops, so repeated
// lookups with the same key land on the same loop for as long as the
// pool's size is unchanged; the pool's size is fixed once Start
// returns, so this holds for the pool's whole lifetime.
func (p *LoopThreadPool) GetLoopForHash(key uint64) *Loop {
	if len(p.loops) == 0 {
		return p.base
	}
	var best *Loop
	var bestScore uint64
	for i, loop := range p.loops {
		h := fnv.New64a()
		h.Write(strconv.AppendUint(nil, key, 10))
		h.Write([]byte{':'})
		h.Write(strconv.AppendInt(nil, int64(i), 10))
		score := h.Sum64()
		if best == nil || score > bestScore {
			best = loop
			bestScore = score
		}
	}
	return best
}

// Loops returns a snapshot of the pool's loops in order. If the pool was
// started with zero threads this is a single-element slice containing
// the base loop.
func (p *LoopThreadPool) Loops() []*Loop {
	out := make([]*Loop, len(p.loops))
	copy(out, p.loops)
	return out
}
