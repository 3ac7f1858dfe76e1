package simtime

import (
	"testing"
	"time"
)

func TestEventQueue_DispatchOrder(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)

	var order []string
	q.Schedule(3*time.Second, func(time.Time) { order = append(order, "c") })
	q.Schedule(1*time.Second, func(time.Time) { order = append(order, "a") })
	q.Schedule(2*time.Second, func(time.Time) { order = append(order, "b") })

	n := q.Run(start.Add(10 * time.Second))
	if n != 3 {
		t.Fatalf("expected 3 events dispatched, got %d", n)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("wrong dispatch order: %v", order)
	}
	if !q.Now().Equal(start.Add(10 * time.Second)) {
		t.Fatalf("clock should finish at horizon, got %v", q.Now())
	}
}

func TestEventQueue_TiesDispatchInSchedulingOrder(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)

	var order []int
	at := start.Add(time.Second)
	for i := 0; i < 5; i++ {
		i := i
		q.ScheduleAt(at, func(time.Time) { order = append(order, i) })
	}

	q.Run(start.Add(time.Minute))
	for i, v := range order {
		if v != i {
			t.Fatalf("ties dispatched out of order: %v", order)
		}
	}
}

func TestEventQueue_CancelPreventsDispatch(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)

	fired := false
	ev := q.Schedule(time.Second, func(time.Time) { fired = true })
	ev.Cancel()

	q.Run(start.Add(time.Minute))
	if fired {
		t.Fatalf("cancelled event must not fire")
	}
}

func TestEventQueue_SelfReschedulingCallback(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)

	ticks := 0
	var tick func(now time.Time)
	tick = func(now time.Time) {
		ticks++
		q.Schedule(time.Second, tick)
	}
	q.Schedule(time.Second, tick)

	q.Run(start.Add(5 * time.Second))
	if ticks != 5 {
		t.Fatalf("expected 5 ticks in 5 seconds, got %d", ticks)
	}
}

func TestEventQueue_ObservationsBeforeTickAreVisible(t *testing.T) {
	// An event scheduled strictly earlier than a tick must have run by the
	// time the tick executes.
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)

	observed := false
	q.Schedule(999*time.Millisecond, func(time.Time) { observed = true })
	q.Schedule(time.Second, func(time.Time) {
		if !observed {
			t.Fatalf("earlier observation not visible at tick")
		}
	})

	q.Run(start.Add(2 * time.Second))
}

func TestEventQueue_RunStopsAtHorizon(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)

	fired := false
	q.Schedule(10*time.Second, func(time.Time) { fired = true })

	q.Run(start.Add(5 * time.Second))
	if fired {
		t.Fatalf("event beyond horizon must not fire")
	}
	if q.Len() != 1 {
		t.Fatalf("event beyond horizon should remain queued, len=%d", q.Len())
	}
}

func TestEventQueue_ScheduleInPastClampsToNow(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	q := NewEventQueue(start)
	q.Run(start.Add(time.Second))

	var at time.Time
	q.ScheduleAt(start, func(now time.Time) { at = now })
	q.Run(q.Now().Add(time.Second))

	if !at.Equal(start.Add(time.Second)) {
		t.Fatalf("past event should fire at current time, fired at %v", at)
	}
}
