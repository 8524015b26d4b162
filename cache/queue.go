package cache

import (
	"sync"

	codec "github.com/always-cache/cacheproxy/pkg/entry-codec"
)

// Record is a cache entry waiting to be persisted.
type Record struct {
	Key   string
	Entry codec.Entry
}

// queue is an unbounded multi-producer, single-consumer FIFO.
// push never blocks on the consumer.
type queue struct {
	mu     sync.Mutex
	items  []Record
	closed bool
	// ready holds a token whenever items may be non-empty
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(r Record) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// drain removes and returns everything queued, oldest first.
func (q *queue) drain() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
