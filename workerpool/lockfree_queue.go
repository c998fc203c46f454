package workerpool

import "sync/atomic"

// lockFreeQueue is a Michael–Scott linked queue with split reference
// counting, after Anthony Williams' lock-free queue. The classic form
// packs {external-count:16, node-pointer:48} into one 64-bit word so a
// single CAS can bump a reference count and read a pointer atomically;
// Go has no tagged-word primitive, and a raw pointer cannot carry a
// counter alongside it without hiding it from the garbage collector.
// Each counted reference is therefore a small immutable box
// (countedNodePtr) swapped whole via atomic.Pointer; box identity gives
// the CAS the same ABA protection the packed word's count half provides.
// Node reclamation falls out of ordinary GC once both of a node's
// tallies reach zero and nothing still holds its last box: the
// algorithm's explicit "delete node" step becomes "stop referencing it".
type lockFreeQueue struct {
	head    atomic.Pointer[countedNodePtr]
	tail    atomic.Pointer[countedNodePtr]
	stopped atomic.Bool
}

// countedNodePtr is an external reference to a node plus how many
// acquisitions have been taken through it. A fresh handle starts at 1;
// every incrementExternalRefcount adds one.
type countedNodePtr struct {
	node          *node
	externalCount int32
}

// node.count packs the two internal tallies: how many in-flight
// dereferences still hold the node (internalCount, low 32 bits) and how
// many counted handles reference it that have not been folded back in
// yet (externalCounters, high 32 bits). externalCounters starts at 2:
// one for the head-or-tail handle, one for the previous node's next
// pointer.
type node struct {
	data  atomic.Pointer[Task]
	count atomic.Int64
	next  atomic.Pointer[countedNodePtr]
}

func newNode() *node {
	n := &node{}
	n.count.Store(packCount(0, 2))
	return n
}

func packCount(internal int32, externalCounters int32) int64 {
	return int64(uint32(internal)) | int64(uint32(externalCounters))<<32
}

func unpackCount(v int64) (internal int32, externalCounters int32) {
	return int32(uint32(v)), int32(uint32(v >> 32))
}

func newLockFreeQueue() *lockFreeQueue {
	q := &lockFreeQueue{}
	sentinel := newNode()
	q.head.Store(&countedNodePtr{node: sentinel, externalCount: 1})
	q.tail.Store(&countedNodePtr{node: sentinel, externalCount: 1})
	return q
}

// incrementExternalRefcount bumps the externalCount of the handle
// currently held by src and installs the bumped copy, retrying until no
// concurrent writer raced it. The returned reference must eventually be
// retired with releaseRef or freeExternalCounter.
func incrementExternalRefcount(src *atomic.Pointer[countedNodePtr]) *countedNodePtr {
	for {
		old := src.Load()
		next := &countedNodePtr{node: old.node, externalCount: old.externalCount + 1}
		if src.CompareAndSwap(old, next) {
			return next
		}
	}
}

// releaseRef drops one reference obtained by merely inspecting a node
// through a bumped handle, without consuming the handle itself. Once
// both tallies reach zero the node's outgoing next pointer is cleared so
// the chain behind it can be collected.
func releaseRef(ptr *countedNodePtr) {
	n := ptr.node
	for {
		old := n.count.Load()
		internal, external := unpackCount(old)
		nv := packCount(internal-1, external)
		if n.count.CompareAndSwap(old, nv) {
			if internal-1 == 0 && external == 0 {
				n.next.Store(nil)
			}
			return
		}
	}
}

// freeExternalCounter retires a handle that was actually consumed by a
// successful head/tail swap, folding its accumulated externalCount into
// the node's internal tally: the handle's own unit plus one for the slot
// it occupied account for the constant 2.
func freeExternalCounter(ptr *countedNodePtr) {
	n := ptr.node
	countIncrease := ptr.externalCount - 2
	for {
		old := n.count.Load()
		internal, external := unpackCount(old)
		nv := packCount(internal+countIncrease, external-1)
		if n.count.CompareAndSwap(old, nv) {
			if internal+countIncrease == 0 && external-1 == 0 {
				n.next.Store(nil)
			}
			return
		}
	}
}

// setNewTail swings tail from oldTail's node to newTail, helping
// tolerated: if another producer moved tail past our node first, our
// bump is released instead of folded.
func (q *lockFreeQueue) setNewTail(oldTail, newTail *countedNodePtr) {
	current := oldTail.node
	for {
		if q.tail.CompareAndSwap(oldTail, newTail) {
			freeExternalCounter(oldTail)
			return
		}
		reloaded := q.tail.Load()
		if reloaded.node != current {
			releaseRef(oldTail)
			return
		}
		// Same node, freshly bumped count: retry with the current handle
		// so the fold below accounts for every acquisition.
		oldTail = reloaded
	}
}

// Put appends task in FIFO order; safe for any number of concurrent
// producers. The tail node is always a sentinel whose data slot the
// winning producer claims by CAS; losers help link and advance, then
// retry on the fresh tail.
func (q *lockFreeQueue) Put(task Task) {
	data := &task
	next := &countedNodePtr{node: newNode(), externalCount: 1}
	for {
		tail := incrementExternalRefcount(&q.tail)
		if tail.node.data.CompareAndSwap(nil, data) {
			linked := next
			if !tail.node.next.CompareAndSwap(nil, linked) {
				// A helper already linked a sentinel; adopt theirs and
				// let ours be collected.
				linked = tail.node.next.Load()
			}
			q.setNewTail(tail, linked)
			return
		}
		// Slot already claimed by another producer: help it finish.
		linked := next
		if tail.node.next.CompareAndSwap(nil, linked) {
			next = &countedNodePtr{node: newNode(), externalCount: 1}
		} else {
			linked = tail.node.next.Load()
		}
		q.setNewTail(tail, linked)
	}
}

// Take pops the oldest task. ok is true whenever a task is returned or
// the queue is merely empty-for-now; it is false only once the queue has
// been stopped, the signal Pool workers use to exit.
func (q *lockFreeQueue) Take() (Task, bool) {
	for {
		if q.stopped.Load() {
			return nil, false
		}
		oldHead := incrementExternalRefcount(&q.head)
		tail := q.tail.Load()
		if oldHead.node == tail.node {
			releaseRef(oldHead)
			return nil, true
		}
		next := oldHead.node.next.Load()
		if q.head.CompareAndSwap(oldHead, next) {
			task := *oldHead.node.data.Load()
			freeExternalCounter(oldHead)
			return task, true
		}
		releaseRef(oldHead)
	}
}

// Stop marks the queue stopped; from then on Take returns (nil, false)
// and tasks still queued are discarded.
func (q *lockFreeQueue) Stop() {
	q.stopped.Store(true)
}
