package session

import (
	"context"
	"sync"
)

// queueItem is one outbound websocket frame awaiting the writer goroutine.
type queueItem struct {
	binary bool
	data   []byte
}

// outQueue is the bounded queue between the session's producers (the pipeline
// consumer and the control handlers) and the single writer goroutine.
//
// When the queue is full, the oldest queued audio frame is evicted to make
// room. Control frames are never dropped: if no audio is left to evict they
// push the queue past its depth bound instead.
type outQueue struct {
	mu     sync.Mutex
	items  []queueItem
	depth  int
	closed bool
	ready  chan struct{}
}

func newOutQueue(depth int) *outQueue {
	return &outQueue{depth: depth, ready: make(chan struct{}, 1)}
}

// enqueue adds an item. accepted is false when the queue is closed. dropped
// reports that an audio frame (a queued one, or the incoming item itself) was
// discarded to honour the depth bound.
func (q *outQueue) enqueue(it queueItem) (accepted, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	switch {
	case len(q.items) < q.depth:
		q.items = append(q.items, it)
	default:
		if i := q.oldestAudio(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, it)
			dropped = true
		} else if it.binary {
			// Full of control frames; the incoming audio loses.
			dropped = true
		} else {
			q.items = append(q.items, it)
		}
	}
	q.mu.Unlock()
	q.signal()
	return true, dropped
}

// dequeue blocks until an item is available. ok is false once the queue is
// closed and drained, or ctx is done.
func (q *outQueue) dequeue(ctx context.Context) (queueItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return queueItem{}, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return queueItem{}, false
		}
	}
}

// dropAudio discards every queued audio frame, keeping control frames in
// order. Called after barge-in and abort so stale synthesis never reaches the
// device.
func (q *outQueue) dropAudio() {
	q.mu.Lock()
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.binary {
			kept = append(kept, it)
		}
	}
	q.items = kept
	q.mu.Unlock()
}

// close rejects further enqueues and wakes the writer so it can drain and
// exit.
func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// len returns the number of queued items.
func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// oldestAudio returns the index of the first queued audio frame, or -1.
// Must be called with q.mu held.
func (q *outQueue) oldestAudio() int {
	for i, it := range q.items {
		if it.binary {
			return i
		}
	}
	return -1
}

func (q *outQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
