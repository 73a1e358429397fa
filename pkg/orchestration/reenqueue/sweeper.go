package reenqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
)

// Dispatcher is whatever re-runs a coordinator pass for a task, typically
// *coordinator.Coordinator. Kept as a narrow interface here so reenqueue
// does not import the coordinator package.
type Dispatcher interface {
	Run(ctx context.Context, taskID task.ID) error
}

// Sweeper periodically claims due work_queue rows and dispatches a
// coordinator pass for each one. Its ticker-driven run loop is adapted from
// the worker service run loop in pkg/core/worker/service.go (runWorker),
// generalized from a fixed per-worker interval to a poll
// interval shared across every pending task.
type Sweeper struct {
	Store      interface {
		ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]task.ID, error)
	}
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Interval   time.Duration
	BatchLimit int
	// Events, if set, receives task.reenqueue_started for every claimed row.
	Events *eventbus.Bus
}

// DefaultInterval is how often the Sweeper polls for due work when no
// interval is supplied.
const DefaultInterval = 500 * time.Millisecond

// NewSweeper builds a Sweeper with the default poll interval and batch
// size.
func NewSweeper(st interface {
	ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]task.ID, error)
}, dispatcher Dispatcher, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		Store:      st,
		Dispatcher: dispatcher,
		Logger:     logger,
		Interval:   DefaultInterval,
		BatchLimit: 50,
	}
}

// Run blocks, polling until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("reenqueue sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	limit := s.BatchLimit
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.Store.ClaimDueReenqueues(ctx, time.Now(), limit)
	if err != nil {
		s.Logger.Error("failed to claim due reenqueues", slog.String("error", err.Error()))
		return
	}
	for _, id := range ids {
		if s.Events != nil {
			s.Events.Publish(ctx, eventbus.TaskReenqueueStarted{TaskID: id})
		}
		if err := s.Dispatcher.Run(ctx, id); err != nil {
			s.Logger.Error("coordinator pass failed for reenqueued task",
				slog.String("task_id", id.String()), slog.String("error", err.Error()))
			if s.Events != nil {
				s.Events.Publish(ctx, eventbus.WorkflowError{TaskID: id, Err: err.Error()})
			}
		}
	}
}
