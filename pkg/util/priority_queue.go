package util

import (
	"container/heap"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PriorityQueue is a priority queue.
type PriorityQueue struct {
	lock    sync.Mutex
	cond    *sync.Cond
	closing bool
	closed  bool
	hit     map[string]struct{}
	queue   queue
	length  prometheus.Gauge
}

// Op is an operation on the priority queue.
type Op interface {
	Key() string
	Priority() int64 // The larger the number the higher the priority.
}

type queue []Op

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].Priority() > q[j].Priority() }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

// Push adds something to the queue. Doesn't need to be in a critical section as
// its only called by heap.Push, which is always called in a critical section.
func (q *queue) Push(x interface{}) {
	*q = append(*q, x.(Op))
}

// Pop removes the highest priority item from the queue. Doesn't need to be in a
// critical section for the same reason as Push.
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[0 : n-1]
	return x
}

// NewPriorityQueue makes a new priority queue.
func NewPriorityQueue(length prometheus.Gauge) *PriorityQueue {
	pq := &PriorityQueue{
		hit:    map[string]struct{}{},
		length: length,
	}
	pq.cond = sync.NewCond(&pq.lock)
	return pq
}

// Length returns the length of the queue.
func (pq *PriorityQueue) Length() int {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	return len(pq.queue)
}

// Close signals that the queue should be closed when it is empty. A closed
// queue will not accept new items.
func (pq *PriorityQueue) Close() {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	pq.closing = true
	pq.cond.Broadcast()
}

// DiscardAndClose closes the queue and removes all the items from it.
func (pq *PriorityQueue) DiscardAndClose() {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	pq.closing = true
	pq.queue = nil
	pq.hit = map[string]struct{}{}
	pq.cond.Broadcast()
}

// Enqueue adds an operation to the queue in priority order. Returns true if
// added; false if the operation was already on the queue.
func (pq *PriorityQueue) Enqueue(op Op) bool {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	if pq.closing {
		panic("enqueue on closing queue")
	}

	_, enqueued := pq.hit[op.Key()]
	if enqueued {
		return false
	}

	pq.hit[op.Key()] = struct{}{}
	heap.Push(&pq.queue, op)
	if pq.length != nil {
		pq.length.Inc()
	}
	pq.cond.Broadcast()
	return true
}

// Dequeue will return the op with the highest priority; block if queue is
// empty; returns nil if queue is closed.
func (pq *PriorityQueue) Dequeue() Op {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	for len(pq.queue) == 0 && !pq.closing {
		pq.cond.Wait()
	}

	if len(pq.queue) == 0 && pq.closing {
		pq.closed = true
		return nil
	}

	op := heap.Pop(&pq.queue).(Op)
	delete(pq.hit, op.Key())
	if pq.length != nil {
		pq.length.Dec()
	}
	return op
}
