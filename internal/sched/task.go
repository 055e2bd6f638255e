package sched

import (
	"time"
)

// Task is a periodic action on an EventScheduler. After each run it
// reschedules itself one period later; Stop cancels the pending run.
//
// If the action returns an error the task stops and the error is handed to
// the error handler. When no handler is set and the scheduler can be
// aborted (as Loop can), the whole run is aborted instead.
type Task struct {
	name   string
	sched  EventScheduler
	period time.Duration
	fn     func(now time.Time) error
	onErr  func(error)

	pending string
	running bool
	runs    int
}

// NewTask creates a stopped task. period must be positive.
func NewTask(s EventScheduler, name string, period time.Duration, fn func(now time.Time) error) *Task {
	return &Task{
		name:   name,
		sched:  s,
		period: period,
		fn:     fn,
	}
}

// OnError overrides what happens when the action fails.
func (t *Task) OnError(fn func(error)) *Task {
	t.onErr = fn
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Period returns the rescheduling period.
func (t *Task) Period() time.Duration { return t.period }

// Runs returns how many times the action has executed.
func (t *Task) Runs() int { return t.runs }

// Running reports whether the task has a pending run.
func (t *Task) Running() bool { return t.running }

// Start schedules the first run at 'at'. Starting a running task restarts
// it from 'at'.
func (t *Task) Start(at time.Time) {
	t.Stop()
	t.running = true
	t.pending = t.sched.Schedule(at, t.run)
}

// Stop cancels the pending run, if any.
func (t *Task) Stop() {
	if t.pending != "" {
		t.sched.Cancel(t.pending)
		t.pending = ""
	}
	t.running = false
}

func (t *Task) run() {
	t.pending = ""
	if !t.running {
		return
	}

	now := t.sched.Now()
	t.runs++
	if err := t.fn(now); err != nil {
		t.running = false
		t.fail(err)
		return
	}

	// The action may have stopped or restarted the task.
	if !t.running || t.pending != "" {
		return
	}
	t.pending = t.sched.Schedule(now.Add(t.period), t.run)
}

type aborter interface {
	Abort(err error)
}

func (t *Task) fail(err error) {
	if t.onErr != nil {
		t.onErr(err)
		return
	}
	if a, ok := t.sched.(aborter); ok {
		a.Abort(err)
	}
}
