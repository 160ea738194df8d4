package concurrency

import "testing"

func TestScopeTryAcquireRespectsMax(t *testing.T) {
	s := newScope(2)
	if !s.tryAcquire() || !s.tryAcquire() {
		t.Fatal("expected both permits within capacity to be granted")
	}
	if s.tryAcquire() {
		t.Fatal("expected third acquire beyond capacity to fail")
	}
}

func TestScopeUnboundedAlwaysAcquires(t *testing.T) {
	s := newScope(0)
	for i := 0; i < 1000; i++ {
		if !s.tryAcquire() {
			t.Fatal("expected unbounded scope to always admit")
		}
	}
}

func TestScopeEnqueueRespectsMaxDepthAndMemory(t *testing.T) {
	s := newScope(1)
	s.tryAcquire()

	if _, ok := s.enqueue(1, 0, 10); !ok {
		t.Fatal("expected first enqueue to succeed")
	}
	if _, ok := s.enqueue(1, 0, 10); ok {
		t.Fatal("expected second enqueue to fail once max depth reached")
	}
}

func TestScopeEnqueueRejectsOverMemoryBudget(t *testing.T) {
	s := newScope(1)
	s.tryAcquire()

	if _, ok := s.enqueue(10, 100, 50); !ok {
		t.Fatal("expected enqueue within memory budget to succeed")
	}
	if _, ok := s.enqueue(10, 100, 60); ok {
		t.Fatal("expected enqueue exceeding remaining memory budget to fail")
	}
}

func TestScopeReleaseWakesOldestWaiterFirst(t *testing.T) {
	s := newScope(1)
	s.tryAcquire()

	w1, _ := s.enqueue(5, 0, 0)
	w2, _ := s.enqueue(5, 0, 0)

	s.release()

	select {
	case <-w1.ch:
	default:
		t.Fatal("expected the oldest waiter to be woken first")
	}
	select {
	case <-w2.ch:
		t.Fatal("expected the newer waiter to remain parked")
	default:
	}
}

func TestScopeDropOldestMarksWaiterCanceled(t *testing.T) {
	s := newScope(1)
	s.tryAcquire()

	w, _ := s.enqueue(5, 0, 0)
	dropped, ok := s.dropOldest()
	if !ok || dropped != w {
		t.Fatal("expected dropOldest to evict the head waiter")
	}
	if !w.canceled {
		t.Fatal("expected the evicted waiter to be marked canceled")
	}
	if s.depth() != 0 {
		t.Fatal("expected queue depth to drop to zero after eviction")
	}
}
