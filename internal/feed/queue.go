package feed

import (
	"sync"

	"wtsync.dev/internal/protocol"
)

// Queue is a FIFO of received updates, safe for many producers and one
// consumer.
type Queue struct {
	mu    sync.Mutex
	items []protocol.StatusAndID
}

func (q *Queue) Push(items ...protocol.StatusAndID) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TryPop removes and returns the oldest item.
func (q *Queue) TryPop() (protocol.StatusAndID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.StatusAndID{}, false
	}
	it := q.items[0]
	q.items[0] = protocol.StatusAndID{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return it, true
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue) Drain() []protocol.StatusAndID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
