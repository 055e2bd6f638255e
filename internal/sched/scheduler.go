package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/roaming-simulator/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times.
// Every component of a run (decision engine, detector, association model,
// samplers) is a task on the same scheduler; callbacks never run
// concurrently and never preempt each other.
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// Callbacks scheduled for the same instant run in the order they were
	// scheduled. It returns an opaque event ID that can be used to cancel
	// the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time
}

// Clock is the clock a Loop drives. timectrl.TimeController satisfies it.
type Clock interface {
	timectrl.SimClock
	SetTime(t time.Time)
}

// Recorder receives loop statistics. observability.LoopCollector
// implements it.
type Recorder interface {
	IncEventsExecuted()
	SetPendingEvents(n int)
	SetSimTime(t time.Time)
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// Loop is the discrete-event implementation of EventScheduler. It keeps
// events ordered by time and advances its clock from one event to the next.
type Loop struct {
	clock   Clock
	metrics Recorder

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when', FIFO within equal times
	index   map[string]*scheduledEvent
	err     error
}

// LoopOption customises Loop construction.
type LoopOption func(*Loop)

// WithRecorder attaches loop statistics.
func WithRecorder(r Recorder) LoopOption {
	return func(l *Loop) {
		l.metrics = r
	}
}

// NewLoop creates a loop backed by clock.
func NewLoop(clock Clock, opts ...LoopOption) *Loop {
	l := &Loop{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Schedule registers a callback to run at the specified simulation time.
func (l *Loop) Schedule(at time.Time, f func()) (id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	id = fmt.Sprintf("ev-%d", l.counter)

	ev := &scheduledEvent{
		id:   id,
		when: at,
		f:    f,
	}
	l.addEventLocked(ev)
	l.index[id] = ev
	l.recordPendingLocked()

	return id
}

// addEventLocked inserts ev after every event scheduled at or before its
// time, keeping equal-time events in scheduling order.
// Caller must hold l.mu lock.
func (l *Loop) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].when.After(ev.when)
	})

	l.events = append(l.events, nil)
	copy(l.events[idx+1:], l.events[idx:])
	l.events[idx] = ev
}

// Cancel attempts to cancel a previously scheduled event.
func (l *Loop) Cancel(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.index[id]
	if !ok {
		return
	}

	ev.cancelled = true
	delete(l.index, id)
	l.recordPendingLocked()
	// Removal from l.events is lazy; RunDue skips cancelled events.
}

// Now returns the current simulation time from the underlying clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Pending returns the number of scheduled, not yet cancelled events.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// Abort stops the loop with err. The first error wins; later calls are
// ignored. Events already running complete, but no further events run.
func (l *Loop) Abort(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Err returns the error passed to Abort, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// popDueLocked removes and returns the earliest non-cancelled event whose
// time is <= now, or nil.
// Caller must hold l.mu lock.
func (l *Loop) popDueLocked(now time.Time) *scheduledEvent {
	for len(l.events) > 0 {
		ev := l.events[0]
		if ev.cancelled {
			l.events = l.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		l.events = l.events[1:]
		delete(l.index, ev.id)
		return ev
	}
	return nil
}

// nextLocked returns the time of the earliest non-cancelled event.
// Caller must hold l.mu lock.
func (l *Loop) nextLocked() (time.Time, bool) {
	for _, ev := range l.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

func (l *Loop) recordPendingLocked() {
	if l.metrics != nil {
		l.metrics.SetPendingEvents(len(l.index))
	}
}

// RunDue executes all events whose scheduled time is <= Now(), including
// events that due callbacks schedule for the current instant. It stops early
// once the loop has been aborted.
func (l *Loop) RunDue() {
	for {
		l.mu.Lock()
		if l.err != nil {
			l.mu.Unlock()
			return
		}
		ev := l.popDueLocked(l.clock.Now())
		l.recordPendingLocked()
		l.mu.Unlock()

		if ev == nil {
			return
		}

		// Callbacks run outside the lock so they can schedule and cancel.
		if ev.f != nil {
			ev.f()
		}
		if l.metrics != nil {
			l.metrics.IncEventsExecuted()
		}
	}
}

// RunUntil advances the clock event by event up to end and runs everything
// that falls due on the way. It returns the Abort error if the run was
// aborted; otherwise the clock is left at end.
func (l *Loop) RunUntil(end time.Time) error {
	for {
		if err := l.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		next, ok := l.nextLocked()
		l.mu.Unlock()

		if !ok || next.After(end) {
			l.clock.SetTime(end)
			l.recordSimTime()
			return l.Err()
		}
		l.clock.SetTime(next)
		l.recordSimTime()
		l.RunDue()
	}
}

func (l *Loop) recordSimTime() {
	if l.metrics != nil {
		l.metrics.SetSimTime(l.clock.Now())
	}
}
