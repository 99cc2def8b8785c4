package session

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/vocalis/pkg/utterance"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("intake queue closed")

// DefaultQueueDepth bounds pending utterances per session.
const DefaultQueueDepth = 5

// IntakeQueue is a bounded FIFO of completed utterances. When full, Push
// evicts the oldest entry and reports it through OnDrop.
type IntakeQueue struct {
	mu     sync.Mutex
	items  []*utterance.Utterance
	depth  int
	closed bool
	notify chan struct{}

	// OnDrop is called without the lock held for each evicted utterance.
	OnDrop func(u *utterance.Utterance)
}

func NewIntakeQueue(depth int) *IntakeQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &IntakeQueue{depth: depth, notify: make(chan struct{}, 1)}
}

// Push enqueues u. Pushing to a closed queue discards u.
func (q *IntakeQueue) Push(u *utterance.Utterance) {
	var dropped *utterance.Utterance
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= q.depth {
		dropped = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, u)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if dropped != nil && q.OnDrop != nil {
		q.OnDrop(dropped)
	}
}

// Pop blocks until an utterance is available, ctx is done, or the queue is
// closed and empty.
func (q *IntakeQueue) Pop(ctx context.Context) (*utterance.Utterance, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return u, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *IntakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *IntakeQueue) Depth() int { return q.depth }

// Snapshot returns the queued utterance IDs, oldest first.
func (q *IntakeQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.items))
	for i, u := range q.items {
		ids[i] = u.ID
	}
	return ids
}

// Close stops accepting new utterances. Queued ones stay poppable.
func (q *IntakeQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Discard drops everything still queued and returns how many were dropped.
func (q *IntakeQueue) Discard() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}
