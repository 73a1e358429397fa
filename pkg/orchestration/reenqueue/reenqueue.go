// Package reenqueue hands a task back to the coordinator after a backoff
// window or a dependency change, without holding a goroutine or timer per
// task. Scheduling durably writes a row to the work_queue table (visible_at
// in the future); a Sweeper later claims due rows and feeds them back in.
package reenqueue

import (
	"context"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
)

// Reason identifies why a task is being handed back to the coordinator.
type Reason string

const (
	ReasonRetryBackoff    Reason = "retry_backoff"
	ReasonDependencyReady Reason = "dependency_ready"
	ReasonManualResume    Reason = "manual_resume"
)

// Scheduler hands a task back to the coordinator at or after a future time.
type Scheduler interface {
	Schedule(ctx context.Context, taskID task.ID, delay time.Duration, reason Reason) error
}

// StoreScheduler is the production Scheduler, backed by a durable work_queue
// row with debounced, exactly-once enqueue per (task, reason) within a
// window.
type StoreScheduler struct {
	Store    store.Store
	Debounce time.Duration
	// Events, if set, receives the task.reenqueue_* lifecycle events for
	// every Schedule call. Nil is safe.
	Events *eventbus.Bus
}

// DefaultDebounce is the default coalescing window for duplicate reenqueue
// requests racing on the same task and reason.
const DefaultDebounce = 250 * time.Millisecond

// NewStoreScheduler builds a StoreScheduler with the default debounce
// window.
func NewStoreScheduler(st store.Store) *StoreScheduler {
	return &StoreScheduler{Store: st, Debounce: DefaultDebounce}
}

func (s *StoreScheduler) Schedule(ctx context.Context, taskID task.ID, delay time.Duration, reason Reason) error {
	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s.publish(ctx, eventbus.TaskReenqueueRequested{TaskID: taskID, Reason: string(reason), Delay: delay})
	ok, err := s.Store.EnqueueReenqueue(ctx, taskID, string(reason), time.Now().Add(delay), debounce)
	if err != nil {
		s.publish(ctx, eventbus.TaskReenqueueFailed{TaskID: taskID, Reason: string(reason), Err: err.Error()})
		return err
	}
	if !ok {
		// Coalesced into a row enqueued within the debounce window.
		s.publish(ctx, eventbus.TaskReenqueueDelayed{TaskID: taskID, Reason: string(reason)})
	}
	return nil
}

func (s *StoreScheduler) publish(ctx context.Context, ev eventbus.Event) {
	if s.Events != nil {
		s.Events.Publish(ctx, ev)
	}
}

// SyncDispatcher is whatever a SyncScheduler hands a task back to once its
// delay has elapsed; *coordinator.Coordinator satisfies it via Run.
type SyncDispatcher interface {
	Run(ctx context.Context, taskID task.ID) error
}

// SyncScheduler is a test/harness double: instead of writing a durable
// work_queue row, it sleeps out the delay (or skips the wait entirely when
// Immediate is set) and then calls straight back into the dispatcher in the
// calling goroutine. Schedule is only ever safe to call once the caller has
// released any per-task lock it might hold (Coordinator.Run guarantees
// this): the dispatcher is typically that same Coordinator, so a call made
// while still holding Store.WithTaskLock's advisory lock would deadlock.
// Production code uses StoreScheduler; tests and single-process demos can
// swap in a SyncScheduler to drive a task to completion deterministically.
type SyncScheduler struct {
	Dispatcher SyncDispatcher
	// Immediate, when true, ignores the requested delay and re-dispatches
	// right away. Scenario tests that assert on backoff timing should leave
	// this false; tests that only care about eventual completion should set
	// it true to avoid sleeping in the suite.
	Immediate bool
}

// NewSyncScheduler builds a SyncScheduler that re-dispatches immediately.
func NewSyncScheduler(dispatcher SyncDispatcher) *SyncScheduler {
	return &SyncScheduler{Dispatcher: dispatcher, Immediate: true}
}

func (s *SyncScheduler) Schedule(ctx context.Context, taskID task.ID, delay time.Duration, reason Reason) error {
	if s.Immediate {
		delay = 0
	}
	if delay <= 0 {
		return s.Dispatcher.Run(ctx, taskID)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return s.Dispatcher.Run(ctx, taskID)
	}
}
