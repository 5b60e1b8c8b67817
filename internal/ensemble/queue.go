package ensemble

import (
	"sync"

	"github.com/neurastack/ensemble/internal/errors"
)

// queue is the bounded FIFO admission queue. Tail insertion admits new
// requests and fails on capacity; head insertion re-admits request-level
// retries and is never refused, so a retry cannot be lost to a full queue.
type queue struct {
	mu    sync.Mutex
	items []*request
	max   int

	// signal wakes the dispatcher; buffered so enqueue never blocks.
	signal chan struct{}
}

func newQueue(max int) *queue {
	return &queue{
		max:    max,
		signal: make(chan struct{}, 1),
	}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pushTail admits a new request, failing with KindQueueFull at capacity.
func (q *queue) pushTail(req *request) error {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return errors.New(errors.KindQueueFull, "admission queue full")
	}
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.wake()
	return nil
}

// pushHead re-admits a retried request ahead of the FIFO order.
func (q *queue) pushHead(req *request) {
	q.mu.Lock()
	q.items = append([]*request{req}, q.items...)
	q.mu.Unlock()
	q.wake()
}

// popEligible removes and returns the first request accepted by the
// predicate, or nil when none is.
func (q *queue) popEligible(accept func(*request) bool) *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.items {
		if accept(req) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return req
		}
	}
	return nil
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
