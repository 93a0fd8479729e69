package engine

import (
	"sync"

	"github.com/roach88/annosync/internal/fetch"
	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/retry"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	evCreate eventType = iota + 1
	evUpdate
	evDelete
	evBind
	evRefresh
	evSettled
	evPush
	evPage
	evFetchDone
	evSubscribeFailed
	evAttempt
	evSync
)

func (t eventType) String() string {
	switch t {
	case evCreate:
		return "create"
	case evUpdate:
		return "update"
	case evDelete:
		return "delete"
	case evBind:
		return "bind"
	case evRefresh:
		return "refresh"
	case evSettled:
		return "settled"
	case evPush:
		return "push"
	case evPage:
		return "page"
	case evFetchDone:
		return "fetch_done"
	case evSubscribeFailed:
		return "subscribe_failed"
	case evAttempt:
		return "attempt"
	case evSync:
		return "sync"
	default:
		return "unknown"
	}
}

// event is one unit of work for the Run loop. Only the fields relevant to
// typ are set.
type event struct {
	typ eventType
	gen uint64

	// commands
	op     *Op
	filter record.Filter

	// settlements
	batch  *batch
	result record.Record
	err    error

	// remote input
	push   live.Event
	page   remote.Page
	cursor fetch.Cursor

	// attempt reports
	kind    OpKind
	id      string
	attempt retry.Attempt

	// barriers
	done chan struct{}
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so that remote goroutines never block on the loop.
// A buffered signal channel lets the Run loop wait with a select alongside
// its context.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Safe from any goroutine. Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Clear the slot so the backing array does not pin ops and pages.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued and wakes waiters.
// Events already queued stay available to TryDequeue.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
