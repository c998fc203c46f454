package reactor

import "testing"

func newTestPool(t *testing.T, threads int) (*LoopThreadPool, func()) {
	t.Helper()
	base, stopBase := newTestLoop(t)
	pool := NewLoopThreadPool(base, KindEpoll, nil)
	if err := pool.Start(threads); err != nil {
		stopBase()
		t.Fatalf("Start: %v", err)
	}
	return pool, func() {
		for _, lt := range pool.threads {
			lt.Loop().Quit()
			lt.Wait()
		}
		stopBase()
	}
}

func TestGetNextLoopRoundRobin(t *testing.T) {
	pool, stop := newTestPool(t, 3)
	defer stop()

	first := pool.GetNextLoop()
	second := pool.GetNextLoop()
	third := pool.GetNextLoop()
	if first == second || second == third || first == third {
		t.Fatal("round-robin returned a repeated loop within one cycle")
	}
	if pool.GetNextLoop() != first {
		t.Fatal("round-robin did not wrap back to the first loop")
	}
}

func TestGetLoopForHashIsStable(t *testing.T) {
	pool, stop := newTestPool(t, 4)
	defer stop()

	for _, key := range []uint64{0, 1, 42, 1 << 40} {
		a := pool.GetLoopForHash(key)
		for i := 0; i < 10; i++ {
			if pool.GetLoopForHash(key) != a {
				t.Fatalf("key %d did not map to a stable loop", key)
			}
		}
	}
}

func TestZeroThreadsUsesBaseLoop(t *testing.T) {
	base, stopBase := newTestLoop(t)
	defer stopBase()

	pool := NewLoopThreadPool(base, KindEpoll, nil)
	if err := pool.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pool.GetNextLoop() != base {
		t.Fatal("zero-thread pool did not hand out the base loop")
	}
	if pool.GetLoopForHash(7) != base {
		t.Fatal("zero-thread pool hash lookup did not hand out the base loop")
	}
}
