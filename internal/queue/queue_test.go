package queue

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int](4)

	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	for i := 0; i < 3; i++ {
		got, ok := q.TryPop()
		if !ok || got != i {
			t.Errorf("TryPop() = %d, %v; want %d, true", got, ok, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop on empty queue should return false")
	}
}

func TestQueue_GrowsWhenFull(t *testing.T) {
	q := New[int](2)

	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Depth != 100 {
		t.Errorf("Depth = %d, want 100", stats.Depth)
	}
	if stats.Capacity < 100 {
		t.Errorf("Capacity = %d, want >= 100", stats.Capacity)
	}
	if stats.Grows != 6 {
		t.Errorf("Grows = %d, want 6 (2 -> 128)", stats.Grows)
	}
	if stats.HighWater != 100 {
		t.Errorf("HighWater = %d, want 100", stats.HighWater)
	}

	for i := 0; i < 100; i++ {
		got, _ := q.TryPop()
		if got != i {
			t.Fatalf("item %d = %d; order lost across grow", i, got)
		}
	}
}

func TestQueue_GrowWhileWrapped(t *testing.T) {
	q := New[int](4)

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.TryPop()
	q.TryPop()

	// head is now 2; these wrap and then force a grow.
	q.Push(4)
	q.Push(5)
	q.Push(6)
	q.Push(7)

	want := []int{3, 4, 5, 6, 7}
	for _, w := range want {
		got, ok := q.TryPop()
		if !ok || got != w {
			t.Fatalf("TryPop() = %d, %v; want %d", got, ok, w)
		}
	}
}

func TestQueue_PopBlocks(t *testing.T) {
	q := New[string](1)
	got := make(chan string, 1)

	go func() {
		v, ok := q.Pop()
		if ok {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("frame")

	select {
	case v := <-got:
		if v != "frame" {
			t.Errorf("Pop() = %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up")
	}
}

func TestQueue_Close(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Close()

	if q.Push(3) {
		t.Error("Push should return false after Close")
	}

	for _, want := range []int{1, 2} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Errorf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop should return false when closed and drained")
	}
}

func TestQueue_CloseWakesPop(t *testing.T) {
	q := New[int](4)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop should report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Pop")
	}
}

func TestQueue_PopBatch(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 10; i++ {
		q.Push(i)
	}

	batch := q.PopBatch(4)
	if len(batch) != 4 {
		t.Fatalf("PopBatch(4) returned %d items", len(batch))
	}
	for i, v := range batch {
		if v != i {
			t.Errorf("batch[%d] = %d", i, v)
		}
	}

	rest := q.PopBatch(0)
	if len(rest) != 6 || rest[0] != 4 || rest[5] != 9 {
		t.Errorf("PopBatch(0) = %v", rest)
	}
	if q.PopBatch(0) != nil {
		t.Error("PopBatch on empty queue should return nil")
	}
}

func TestQueue_ConcurrentProducerPreservesOrder(t *testing.T) {
	q := New[int](1)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
		q.Close()
	}()

	next := 0
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		if v != next {
			t.Fatalf("got %d, want %d", v, next)
		}
		next++
	}
	wg.Wait()

	if next != n {
		t.Errorf("received %d items, want %d", next, n)
	}
	stats := q.Stats()
	if stats.Pushed != n || stats.Popped != n {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNew_MinCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		if got := New[int](c).Stats().Capacity; got != 1 {
			t.Errorf("New(%d) capacity = %d, want 1", c, got)
		}
	}
}
