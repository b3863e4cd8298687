package server

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("outbound queue closed")

// Queue is the unbounded FIFO between the fan-out path and one
// connection's write pump. Producers never block, so a slow consumer
// cannot stall a ceremony for the other parties; the single consumer
// blocks in Pop until a message or Close arrives. Messages queued
// before Close are still drained.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one message.
func (q *Queue) Push(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return nil
}

// Pop blocks for the next message. ok is false once the queue is closed
// and drained.
func (q *Queue) Pop() (msg []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg = q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Close rejects further pushes and wakes the consumer. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// Len reports currently queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
