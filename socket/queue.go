package socket

import (
	"sync"

	"github.com/kleeedolinux/resocket/socket/transport"
)

// queue holds payloads sent before the current connection became ready.
type queue struct {
	mu    sync.Mutex
	items []transport.Payload
}

func (q *queue) push(p transport.Payload) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, p)
}

// requeue puts payloads back at the head, ahead of anything queued since
// they were taken.
func (q *queue) requeue(ps []transport.Payload) {
	if len(ps) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]transport.Payload, 0, len(ps)+len(q.items))
	items = append(items, ps...)
	q.items = append(items, q.items...)
}

// take swaps the queue for an empty one and returns the old contents.
func (q *queue) take() []transport.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
