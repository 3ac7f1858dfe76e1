package simtime

import (
	"container/heap"
	"context"
	"time"
)

// Clock is an interface for accessing simulation time. Components depend on
// this abstraction rather than on the concrete event queue, which keeps them
// testable with a fixed clock.
type Clock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Callback is a scheduled simulation action. It receives the simulation time
// it fires at and runs to completion before any other event is dispatched.
type Callback func(now time.Time)

// Event is a handle to a scheduled callback. Cancelling it guarantees the
// callback will not run; an event that has already fired is unaffected.
type Event struct {
	at        time.Time
	seq       uint64
	fn        Callback
	cancelled bool
	index     int // heap index, -1 once popped
}

// Cancel marks the event so it is skipped when its time comes. Safe to call
// more than once.
func (e *Event) Cancel() {
	if e != nil {
		e.cancelled = true
	}
}

// Cancelled reports whether Cancel has been called.
func (e *Event) Cancelled() bool {
	return e != nil && e.cancelled
}

// EventQueue is a single-threaded discrete-event scheduler over virtual time.
// Callbacks scheduled for earlier times always run before later ones, and
// ties dispatch in scheduling order, so all observation callbacks scheduled
// strictly before an evaluation tick are visible to that tick.
//
// The queue is not safe for concurrent use; everything in a simulation runs
// on the caller's goroutine.
type EventQueue struct {
	now    time.Time
	seq    uint64
	events eventHeap
}

// NewEventQueue creates a queue whose virtual clock starts at start.
func NewEventQueue(start time.Time) *EventQueue {
	return &EventQueue{now: start}
}

// Now returns the current simulation time. Implements Clock.
func (q *EventQueue) Now() time.Time {
	return q.now
}

// Len returns the number of scheduled (possibly cancelled) events.
func (q *EventQueue) Len() int {
	return len(q.events)
}

// Schedule arms fn to run after d of simulation time. A non-positive delay
// fires on the next dispatch at the current time.
func (q *EventQueue) Schedule(d time.Duration, fn Callback) *Event {
	if d < 0 {
		d = 0
	}
	return q.ScheduleAt(q.now.Add(d), fn)
}

// ScheduleAt arms fn to run at the absolute simulation time t. Times in the
// past are clamped to the current time.
func (q *EventQueue) ScheduleAt(t time.Time, fn Callback) *Event {
	if t.Before(q.now) {
		t = q.now
	}
	q.seq++
	ev := &Event{at: t, seq: q.seq, fn: fn}
	heap.Push(&q.events, ev)
	return ev
}

// Step dispatches the next pending event, advancing the clock to its time.
// It returns false when the queue is empty. Cancelled events are discarded
// without advancing the clock past them incorrectly (the clock still moves
// to the cancelled event's time, matching a timer that fires and does
// nothing).
func (q *EventQueue) Step() bool {
	for len(q.events) > 0 {
		ev := heap.Pop(&q.events).(*Event)
		q.now = ev.at
		if ev.cancelled {
			continue
		}
		ev.fn(q.now)
		return true
	}
	return false
}

// Run dispatches events in time order until the queue is empty or the next
// event lies beyond until. The clock finishes at until (or at the last event
// time if that is later than until would allow). It returns the number of
// callbacks dispatched.
func (q *EventQueue) Run(until time.Time) int {
	dispatched := 0
	for len(q.events) > 0 {
		next := q.events[0]
		if next.at.After(until) {
			break
		}
		if q.Step() {
			dispatched++
		}
	}
	if until.After(q.now) {
		q.now = until
	}
	return dispatched
}

// RunPaced behaves like Run but sleeps between events so simulation time
// tracks wall-clock time, which makes a live metrics endpoint meaningful
// while a run is in progress. The context aborts the run early.
func (q *EventQueue) RunPaced(ctx context.Context, until time.Time) int {
	dispatched := 0
	wallStart := time.Now()
	simStart := q.now
	for len(q.events) > 0 {
		next := q.events[0]
		if next.at.After(until) {
			break
		}
		simAhead := next.at.Sub(simStart)
		wallElapsed := time.Since(wallStart)
		if wait := simAhead - wallElapsed; wait > 0 {
			select {
			case <-ctx.Done():
				return dispatched
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return dispatched
		}
		if q.Step() {
			dispatched++
		}
	}
	if until.After(q.now) {
		q.now = until
	}
	return dispatched
}

// eventHeap orders events by (time, scheduling sequence).
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}
