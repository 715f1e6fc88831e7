package autosave

import (
	"sync"

	"github.com/roach88/questflow/internal/answer"
)

// eventKind distinguishes coordinator events.
type eventKind int

const (
	// eventEdit carries a new answer set from Edit.
	eventEdit eventKind = iota + 1
	// eventDebounceFired is sent when the debounce window elapses.
	eventDebounceFired
	// eventRetryFired is sent when a scheduled retry is due.
	eventRetryFired
	// eventSyncDone carries the result of the remote part of a cycle.
	eventSyncDone
	// eventFlush asks for any pending debounce to fire now.
	eventFlush
	// eventDismiss clears the soft failure notice.
	eventDismiss
)

// event is one unit of work for the coordinator loop.
type event struct {
	kind     eventKind
	answers  answer.Set
	revision int64
	gen      int64 // timer generation for fired events
	result   *syncResult
}

// eventQueue is a thread-safe FIFO queue for coordinator events.
//
// The queue is unbounded so Edit never blocks the caller. The signal
// channel enables context-aware waiting in the Run loop.
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

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
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
	// Release references held by the backing array.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// It is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes any waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
