package tailor

import (
	"sync"
)

// eventKind distinguishes controller events.
type eventKind int

const (
	eventStart eventKind = iota + 1
	eventIdentity
	eventAuthFailed
	eventSnapshot
	eventSubscriptionError
	eventResubscribe
	eventSubmitStarted
	eventSubmitFinished
	eventSubmitRejected
	eventDispose
	eventBarrier
)

// event is one unit of work for the controller loop.
type event struct {
	kind       eventKind
	identity   Identity
	generation uint64
	records    []Record
	err        error
	done       chan struct{} // closed once processed, if set
}

// eventQueue is a thread-safe unbounded FIFO queue for controller events.
//
// Callbacks from the identity provider, the synchronizer and the submitter
// enqueue from their own goroutines; only the controller loop dequeues.
// Enqueue never blocks, so a callback can never stall the remote client
// that delivers it.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds e to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Buffer of 1 coalesces signals; the loop drains everything per wake-up.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]
	q.events[0] = event{} // release the records slice for GC

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the loop.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
