package device

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benmeehan/sensor-hub/internal/models"
)

type queueItem struct {
	msg *models.Message
	seq uint64
}

// messageHeap orders by priority value, then by enqueue sequence.
type messageHeap []queueItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queueItem{}
	*h = old[:n-1]
	return item
}

// PriorityQueue is a concurrency-safe outbound queue with a blocking, timed pop.
// CRITICAL drains before HIGH before NORMAL before LOW; equal priorities are FIFO.
type PriorityQueue struct {
	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues msg. It returns false once the queue is closed.
func (q *PriorityQueue) Push(msg *models.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, queueItem{msg: msg, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the most urgent message, waiting up to timeout for one to arrive.
func (q *PriorityQueue) Pop(timeout time.Duration) (*models.Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queueItem)
			q.mu.Unlock()
			return item.msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-timer.C:
			return nil, false
		}
	}
}

// Len returns the number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close drops queued messages and wakes every waiter.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
