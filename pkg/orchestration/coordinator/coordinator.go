// Package coordinator drives one task through its DAG: evaluate readiness,
// execute every ready step concurrently, re-evaluate, and repeat until the
// task is blocked, waiting, or finished. Its sequential "evaluate, act,
// re-evaluate" shape is adapted from
// pkg/domain/workflow.Orchestrator.executeSequentially, generalized from a
// fixed, ordered step list to a readiness-driven loop over a DAG.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
	"github.com/taskflow-io/engine/pkg/orchestration/executor"
	"github.com/taskflow-io/engine/pkg/orchestration/reenqueue"
	"github.com/taskflow-io/engine/pkg/orchestration/retrypolicy"
)

// StepConfig is the handler-invocation configuration for a named step,
// shared by every task instance that uses it (looked up by step name since
// a StepSnapshot doesn't carry the named_task_steps join).
type StepConfig struct {
	HandlerClass   string
	HandlerTimeout time.Duration
}

// StepConfigLookup resolves a step's display name to its handler
// configuration.
type StepConfigLookup func(stepName string) (StepConfig, bool)

// Coordinator runs coordinator passes for individual tasks. A single
// instance is safe to share across goroutines; per-task serialization comes
// from Store.WithTaskLock, not from any lock held here.
type Coordinator struct {
	Store      store.Store
	Executor   *executor.Executor
	Policy     *retrypolicy.Policy
	StepConfig StepConfigLookup
	Scheduler  reenqueue.Scheduler
	Events     *eventbus.Bus
	Logger     *slog.Logger

	// MaxPassIterations bounds how many execute/re-evaluate cycles a single
	// Run call will perform before yielding back to the reenqueuer, so one
	// pathological task can't monopolize a worker forever.
	MaxPassIterations int
}

// New builds a Coordinator with the default iteration bound.
func New(st store.Store, ex *executor.Executor, stepConfig StepConfigLookup, scheduler reenqueue.Scheduler, events *eventbus.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Store:             st,
		Executor:          ex,
		Policy:            retrypolicy.DefaultPolicy(),
		StepConfig:        stepConfig,
		Scheduler:         scheduler,
		Events:            events,
		Logger:            logger,
		MaxPassIterations: 25,
	}
}

// Run performs one coordinator pass for taskID under its advisory lock:
// execute every currently-ready step, re-evaluate, and repeat until no more
// steps are immediately ready, then either finalize the task or hand it
// back to the reenqueuer.
func (c *Coordinator) Run(ctx context.Context, taskID task.ID) error {
	var pending *scheduleRequest
	err := c.Store.WithTaskLock(ctx, taskID, func(ctx context.Context) error {
		req, err := c.runLocked(ctx, taskID)
		pending = req
		return err
	})
	if err != nil {
		return err
	}
	// Hand off to the reenqueuer only after the advisory lock is released:
	// a synchronous test Scheduler drives straight back into Run, and
	// Store.WithTaskLock's mutex is not reentrant.
	if pending != nil {
		return c.Scheduler.Schedule(ctx, taskID, pending.Delay, pending.Reason)
	}
	return nil
}

// scheduleRequest is runLocked's verdict that the task is not yet finished
// but nothing is immediately ready, so the caller should hand it to the
// reenqueuer once the per-task lock has been released.
type scheduleRequest struct {
	Delay  time.Duration
	Reason reenqueue.Reason
}

func (c *Coordinator) runLocked(ctx context.Context, taskID task.ID) (*scheduleRequest, error) {
	limit := c.MaxPassIterations
	if limit <= 0 {
		limit = 25
	}

	var taskCtx evaluator.TaskExecutionContext
	var taskState task.TaskState
	for i := 0; i < limit; i++ {
		snap, err := c.Store.TaskExecutionSnapshot(ctx, taskID)
		if err != nil {
			return nil, err
		}
		taskState = snap.TaskState
		// Re-driving a terminal task is a no-op: no execution, no reenqueue.
		if task.IsTaskTerminal(taskState) {
			return nil, nil
		}
		taskCtx = evaluator.Evaluate(snap, time.Now(), c.Policy)

		// A skippable step that exhausted its retries is resolved as skipped
		// so its dependents stop waiting on it.
		if resolved, err := c.skipExhaustedSteps(ctx, taskCtx); err != nil {
			return nil, err
		} else if resolved {
			continue
		}

		if taskCtx.RecommendedAction != evaluator.ActionExecuteReadySteps {
			break
		}

		switch taskState {
		case task.TaskPending:
			if err := c.Store.TransitionTask(ctx, taskID, task.TaskPending, task.TaskInProgress, nil); err != nil {
				return nil, err
			}
			c.Events.Publish(ctx, eventbus.TaskStarted{TaskID: taskID})
			taskState = task.TaskInProgress
		case task.TaskError:
			// An errored task whose steps became runnable again (a manual
			// resolve, a reset) re-enters in_progress via reenqueue.
			if err := c.Store.TransitionTask(ctx, taskID, task.TaskError, task.TaskInProgress, nil); err != nil {
				return nil, err
			}
			taskState = task.TaskInProgress
		}

		plans, err := c.buildPlans(snap, taskCtx.ReadySteps)
		if err != nil {
			return nil, err
		}
		for _, p := range plans {
			c.Events.Publish(ctx, eventbus.StepStarted{TaskID: taskID, StepID: p.Step.ID, Name: p.HandlerClass})
		}
		if err := c.Executor.RunBatch(ctx, plans); err != nil {
			return nil, err
		}
	}

	return c.dispose(ctx, taskID, taskState, taskCtx)
}

func (c *Coordinator) buildPlans(snap evaluator.TaskSnapshot, ready []evaluator.StepReadinessStatus) ([]executor.StepPlan, error) {
	byID := make(map[task.ID]evaluator.StepSnapshot, len(snap.Steps))
	for _, s := range snap.Steps {
		byID[s.StepID] = s
	}

	owningTask := task.Task{ID: snap.TaskID}
	sequence := buildSequence(snap)

	plans := make([]executor.StepPlan, 0, len(ready))
	for _, status := range ready {
		ss := byID[status.StepID]
		cfg, ok := c.StepConfig(ss.Name)
		if !ok {
			c.Logger.Warn("no handler configuration for step, skipping", slog.String("step_name", ss.Name))
			continue
		}
		plans = append(plans, executor.StepPlan{
			Task: owningTask,
			Step: task.WorkflowStep{
				ID:                    ss.StepID,
				TaskID:                snap.TaskID,
				Retryable:             ss.Retryable,
				RetryLimit:            ss.RetryLimit,
				Attempts:              ss.Attempts,
				InProcess:             ss.InProcess,
				Skippable:             ss.Skippable,
				LastAttemptedAt:       ss.LastAttemptedAt,
				BackoffRequestSeconds: ss.BackoffSeconds,
				Results:               ss.Results,
			},
			HandlerClass:   cfg.HandlerClass,
			HandlerTimeout: cfg.HandlerTimeout,
			Sequence:       sequence,
			Status:         status,
		})
	}
	return plans, nil
}

// buildSequence projects a task snapshot into the ordered step view passed
// to every handler invocation in this batch, so a handler can look up a
// prior step's Results by name.
func buildSequence(snap evaluator.TaskSnapshot) executor.Sequence {
	seq := make(executor.Sequence, 0, len(snap.Steps))
	for _, s := range snap.Steps {
		seq = append(seq, executor.SequenceStep{
			StepID:  s.StepID,
			Name:    s.Name,
			State:   s.State,
			Results: s.Results,
		})
	}
	return seq
}

// dispose handles whatever the last evaluation recommended once the
// execute/re-evaluate loop stops making progress: finalize a completed
// task, mark a blocked task as errored, or report back a delay/reason for
// Run to hand to the reenqueuer once the advisory lock is released.
func (c *Coordinator) dispose(ctx context.Context, taskID task.ID, taskState task.TaskState, taskCtx evaluator.TaskExecutionContext) (*scheduleRequest, error) {
	switch taskCtx.RecommendedAction {
	case evaluator.ActionFinalizeTask:
		return nil, c.finalize(ctx, taskID, taskState, taskCtx)
	case evaluator.ActionHandleFailures:
		return nil, c.handleFailures(ctx, taskID, taskState, taskCtx)
	default:
		delay, reason, unclear := nextPassDelay(taskCtx)
		if unclear {
			c.Events.Publish(ctx, eventbus.WorkflowStateUnclear{TaskID: taskID})
		}
		return &scheduleRequest{Delay: delay, Reason: reason}, nil
	}
}

// skipExhaustedSteps resolves every skippable step whose retries are
// exhausted as skipped, so downstream dependents see a satisfied parent. It
// reports whether any step was resolved (the caller re-evaluates if so).
func (c *Coordinator) skipExhaustedSteps(ctx context.Context, taskCtx evaluator.TaskExecutionContext) (bool, error) {
	resolved := false
	for _, s := range taskCtx.AllStatuses {
		if !s.Skippable || !s.RetryExhausted || s.State != task.StepError {
			continue
		}
		err := c.Store.TransitionStep(ctx, s.StepID, task.StepError, task.StepResolvedManually,
			[]byte(`{"reason":"skipped"}`), store.StepUpdate{ClearInProcess: true, MarkProcessed: true})
		if err != nil {
			return resolved, err
		}
		c.Logger.Info("skippable step exhausted retries, resolved as skipped",
			slog.String("task_id", taskCtx.TaskID.String()), slog.String("step_id", s.StepID.String()))
		resolved = true
	}
	return resolved, nil
}

func (c *Coordinator) finalize(ctx context.Context, taskID task.ID, taskState task.TaskState, taskCtx evaluator.TaskExecutionContext) error {
	if task.IsTaskTerminal(taskState) {
		return nil
	}
	c.Events.Publish(ctx, eventbus.TaskFinalizationStarted{TaskID: taskID})
	// Late safety net: a skippable step may still sit in error if the loop
	// budget ran out between its last failure and this finalization.
	if _, err := c.skipExhaustedSteps(ctx, taskCtx); err != nil {
		return err
	}
	if err := c.Store.TransitionTask(ctx, taskID, taskState, task.TaskComplete, nil); err != nil {
		return err
	}
	c.Events.Publish(ctx, eventbus.TaskCompleted{TaskID: taskID})
	c.Events.Publish(ctx, eventbus.TaskFinalizationCompleted{TaskID: taskID, State: task.TaskComplete})
	return nil
}

func (c *Coordinator) handleFailures(ctx context.Context, taskID task.ID, taskState task.TaskState, taskCtx evaluator.TaskExecutionContext) error {
	if taskState == task.TaskError || task.IsTaskTerminal(taskState) {
		return nil
	}
	c.Events.Publish(ctx, eventbus.TaskFinalizationStarted{TaskID: taskID})
	var failedIDs []task.ID
	for _, s := range taskCtx.AllStatuses {
		if s.RetryExhausted {
			failedIDs = append(failedIDs, s.StepID)
		}
	}
	metadata, _ := json.Marshal(map[string]any{"failed_step_ids": failedIDs})
	if err := c.Store.TransitionTask(ctx, taskID, taskState, task.TaskError, metadata); err != nil {
		return err
	}
	c.Events.Publish(ctx, eventbus.TaskFailed{TaskID: taskID, FailedStepIDs: failedIDs})
	c.Events.Publish(ctx, eventbus.TaskFinalizationCompleted{TaskID: taskID, State: task.TaskError})
	return nil
}

// nextPassDelay picks how long to wait before giving this task another
// coordinator pass: as soon as the earliest pending backoff window elapses,
// or a short fixed delay if every remaining step is merely waiting on an
// in-progress sibling or an unresolved dependency. The third result flags a
// pass that found neither backoff nor in-flight work to wait on — the task
// is not finished, yet nothing explains the stall.
func nextPassDelay(taskCtx evaluator.TaskExecutionContext) (time.Duration, reenqueue.Reason, bool) {
	const defaultPoll = 2 * time.Second
	var earliest *time.Time
	for _, s := range taskCtx.AllStatuses {
		if s.NextAttemptAt == nil {
			continue
		}
		if earliest == nil || s.NextAttemptAt.Before(*earliest) {
			earliest = s.NextAttemptAt
		}
	}
	if earliest == nil {
		unclear := taskCtx.InProgressSteps == 0
		return defaultPoll, reenqueue.ReasonDependencyReady, unclear
	}
	delay := time.Until(*earliest)
	if delay < 0 {
		delay = 0
	}
	return delay, reenqueue.ReasonRetryBackoff, false
}
