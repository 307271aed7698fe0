// Package scheduler runs one delayed task per identity.
package scheduler

import (
	"sync"
	"time"

	"github.com/nkiryanov/hotline/internal/clock"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/metrics"
	"github.com/nkiryanov/hotline/internal/shardmap"
)

// Task is passed to the callback by value, so the callback never sees
// state changed after it was scheduled.
type Task struct {
	Identity string
	Resource string
	FireAt   time.Time
}

type Func func(Task)

type Scheduler struct {
	clock   clock.Clock
	entries *shardmap.Map[*entry]
	logger  logger.Logger
}

type entry struct {
	task Task

	mu        sync.Mutex
	timer     clock.Timer
	cancelled bool
}

func New(c clock.Clock, l logger.Logger) *Scheduler {
	return &Scheduler{
		clock:   c,
		entries: shardmap.New[*entry](),
		logger:  l,
	}
}

// Schedule runs fn at task.FireAt, or as soon as possible if it is in the past.
// Pending task of the same identity is cancelled first.
func (s *Scheduler) Schedule(task Task, fn Func) {
	e := &entry{task: task}

	previous, replaced := s.entries.Swap(task.Identity, e)
	if replaced {
		previous.cancel()
		s.logger.Debug("Task superseded", "identity", task.Identity, "resource", previous.task.Resource)
	} else {
		metrics.ScheduledTasks.Inc()
	}

	delay := task.FireAt.Sub(s.clock.Now())
	timer := s.clock.AfterFunc(delay, func() { s.fire(e, fn) })
	e.setTimer(timer)

	s.logger.Debug("Task scheduled", "identity", task.Identity, "resource", task.Resource, "fire_at", task.FireAt)
}

// Cancel suppresses the future firing of the identity task.
// A task that is running already is not interrupted.
func (s *Scheduler) Cancel(identity string) bool {
	e, ok := s.entries.LoadAndDelete(identity)
	if !ok {
		return false
	}

	metrics.ScheduledTasks.Dec()
	e.cancel()
	return true
}

// Pending returns the task waiting for identity, if any
func (s *Scheduler) Pending(identity string) (Task, bool) {
	e, ok := s.entries.Get(identity)
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

func (s *Scheduler) Len() int {
	return s.entries.Len()
}

// Stop cancels every pending task
func (s *Scheduler) Stop() {
	var identities []string
	s.entries.Range(func(identity string, _ *entry) bool {
		identities = append(identities, identity)
		return true
	})

	for _, identity := range identities {
		s.Cancel(identity)
	}
}

func (s *Scheduler) fire(e *entry, fn Func) {
	// Entry leaves the table before the callback runs.
	// If it was replaced or cancelled meanwhile the callback must not run.
	removed := s.entries.CompareAndDelete(e.task.Identity, func(current *entry) bool {
		return current == e
	})
	if !removed {
		return
	}
	metrics.ScheduledTasks.Dec()

	s.logger.Debug("Task fired", "identity", e.task.Identity, "resource", e.task.Resource)
	fn(e.task)
}

func (e *entry) setTimer(t clock.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		t.Stop()
		return
	}
	e.timer = t
}

func (e *entry) cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelled = true
	if e.timer != nil {
		e.timer.Stop()
	}
}
