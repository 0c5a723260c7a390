package session

import (
	"context"
	"testing"
	"time"
)

func control(s string) queueItem { return queueItem{data: []byte(s)} }
func frame(s string) queueItem   { return queueItem{binary: true, data: []byte(s)} }

func drain(t *testing.T, q *outQueue, n int) []queueItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	items := make([]queueItem, 0, n)
	for i := 0; i < n; i++ {
		it, ok := q.dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d: queue closed early", i)
		}
		items = append(items, it)
	}
	return items
}

func TestOutQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := newOutQueue(10)
	q.enqueue(control("a"))
	q.enqueue(frame("b"))
	q.enqueue(control("c"))

	items := drain(t, q, 3)
	for i, want := range []string{"a", "b", "c"} {
		if string(items[i].data) != want {
			t.Errorf("item %d: got %q, want %q", i, items[i].data, want)
		}
	}
}

func TestOutQueue_EvictsOldestAudioWhenFull(t *testing.T) {
	t.Parallel()

	q := newOutQueue(3)
	q.enqueue(control("c1"))
	q.enqueue(frame("a1"))
	q.enqueue(frame("a2"))

	accepted, dropped := q.enqueue(frame("a3"))
	if !accepted || !dropped {
		t.Fatalf("enqueue over depth: accepted=%v dropped=%v, want true/true", accepted, dropped)
	}

	items := drain(t, q, 3)
	got := []string{string(items[0].data), string(items[1].data), string(items[2].data)}
	want := []string{"c1", "a2", "a3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutQueue_ControlNeverDropped(t *testing.T) {
	t.Parallel()

	q := newOutQueue(2)
	q.enqueue(control("c1"))
	q.enqueue(control("c2"))

	// No audio to evict: the control frame exceeds the depth bound.
	accepted, dropped := q.enqueue(control("c3"))
	if !accepted || dropped {
		t.Fatalf("control enqueue: accepted=%v dropped=%v, want true/false", accepted, dropped)
	}
	if q.len() != 3 {
		t.Errorf("len: got %d, want 3", q.len())
	}
}

func TestOutQueue_IncomingAudioLosesToQueuedControl(t *testing.T) {
	t.Parallel()

	q := newOutQueue(2)
	q.enqueue(control("c1"))
	q.enqueue(control("c2"))

	accepted, dropped := q.enqueue(frame("a1"))
	if !accepted || !dropped {
		t.Fatalf("audio enqueue into full control queue: accepted=%v dropped=%v, want true/true", accepted, dropped)
	}
	items := drain(t, q, 2)
	if items[0].binary || items[1].binary {
		t.Error("audio frame should have been shed, not queued")
	}
}

func TestOutQueue_DropAudioKeepsControlOrder(t *testing.T) {
	t.Parallel()

	q := newOutQueue(10)
	q.enqueue(control("c1"))
	q.enqueue(frame("a1"))
	q.enqueue(control("c2"))
	q.enqueue(frame("a2"))

	q.dropAudio()

	if q.len() != 2 {
		t.Fatalf("len after dropAudio: got %d, want 2", q.len())
	}
	items := drain(t, q, 2)
	if string(items[0].data) != "c1" || string(items[1].data) != "c2" {
		t.Errorf("kept items: %q, %q", items[0].data, items[1].data)
	}
}

func TestOutQueue_CloseRejectsAndUnblocks(t *testing.T) {
	t.Parallel()

	q := newOutQueue(4)
	unblocked := make(chan struct{})
	go func() {
		_, ok := q.dequeue(context.Background())
		if ok {
			t.Error("dequeue after close: got item, want closed")
		}
		close(unblocked)
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}

	if accepted, _ := q.enqueue(control("late")); accepted {
		t.Error("enqueue after close: accepted, want rejected")
	}
}

func TestOutQueue_DequeueHonoursContext(t *testing.T) {
	t.Parallel()

	q := newOutQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.dequeue(ctx); ok {
		t.Error("dequeue with cancelled ctx: got item, want none")
	}
}
