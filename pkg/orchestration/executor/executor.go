// Package executor invokes step handlers for a batch of ready steps,
// honoring a concurrency limit and translating handler outcomes into store
// transitions. Concurrency is capped with an errgroup the way
// pkg/common/execution.OptimizedExecutor caps its worker pool, generalized
// from a fixed job channel to golang.org/x/sync/errgroup's SetLimit.
package executor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
	"github.com/taskflow-io/engine/pkg/orchestration/retrypolicy"
)

// HandlerLookup resolves the Handler registered for a step's handler class.
type HandlerLookup func(handlerClass string) (Handler, bool)

// Executor runs a batch of ready steps concurrently, up to Concurrency at
// once.
type Executor struct {
	Store       store.Store
	Handlers    HandlerLookup
	Policy      *retrypolicy.Policy
	Logger      *slog.Logger
	Concurrency int
	// Events, if set, receives step.completed and step.failed for every
	// invocation this executor drives (step.started is published by the
	// coordinator before the batch is handed to RunBatch, since it needs
	// to fire even for a step whose claim is about to lose a race). Nil is
	// safe: Publish is simply skipped.
	Events *eventbus.Bus
}

// New builds an Executor. Concurrency left at zero means each batch runs as
// wide as the ready set itself — the ready set is bounded by the DAG's
// widest level, so that is the per-task default the engine promises.
func New(st store.Store, handlers HandlerLookup, logger *slog.Logger) *Executor {
	return &Executor{
		Store:    st,
		Handlers: handlers,
		Policy:   retrypolicy.DefaultPolicy(),
		Logger:   logger,
	}
}

// StepPlan is one ready step to execute, carrying enough of the owning
// task/step data to build a StepContext without another store round trip.
type StepPlan struct {
	Task           task.Task
	Step           task.WorkflowStep
	HandlerClass   string
	HandlerTimeout time.Duration
	Sequence       Sequence
	Status         evaluator.StepReadinessStatus
}

// RunBatch executes every plan concurrently (bounded by Concurrency),
// claiming each step with a compare-and-set before invoking its handler so
// two coordinator passes racing on the same step can't both run it.
func (e *Executor) RunBatch(ctx context.Context, plans []StepPlan) error {
	limit := e.Concurrency
	if limit <= 0 {
		limit = len(plans)
	}
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			e.runOne(gctx, plan)
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) runOne(ctx context.Context, plan StepPlan) {
	log := e.Logger.With(slog.String("task_id", plan.Task.ID.String()), slog.String("step_id", plan.Step.ID.String()))

	claimed, err := e.Store.ClaimStep(ctx, plan.Step.ID)
	if err != nil {
		log.Error("failed to claim step", slog.String("error", err.Error()))
		return
	}
	if !claimed {
		log.Debug("step already claimed by another pass, skipping")
		return
	}

	from := plan.Status.State
	if from == task.StepError {
		// Retry reset: error steps must pass back through pending before
		// re-entering in_progress, matching the step state machine.
		if err := e.Store.TransitionStep(ctx, plan.Step.ID, task.StepError, task.StepPending, nil, store.StepUpdate{}); err != nil {
			log.Error("failed to reset step to pending for retry", slog.String("error", err.Error()))
			_ = e.Store.ReleaseStep(ctx, plan.Step.ID)
			return
		}
		from = task.StepPending
	}
	attemptedAt := time.Now()
	if err := e.Store.TransitionStep(ctx, plan.Step.ID, from, task.StepInProgress, nil, store.StepUpdate{
		IncrementAttempts: true,
		LastAttemptedAt:   &attemptedAt,
	}); err != nil {
		log.Error("failed to transition step to in_progress", slog.String("error", err.Error()))
		_ = e.Store.ReleaseStep(ctx, plan.Step.ID)
		return
	}

	e.publish(ctx, eventbus.StepBeforeHandle{TaskID: plan.Task.ID, StepID: plan.Step.ID, Attempt: plan.Step.Attempts + 1})

	handler, ok := e.Handlers(plan.HandlerClass)
	if !ok {
		e.finishWithError(ctx, plan, task.StepInProgress, orcherrors.New(orcherrors.CodeHandlerNotFound, "executor",
			"no handler registered for class "+plan.HandlerClass, nil), nil, attemptedAt, true)
		e.publish(ctx, eventbus.StepFailed{TaskID: plan.Task.ID, StepID: plan.Step.ID, Name: plan.HandlerClass, Retryable: false})
		return
	}

	result := e.invoke(ctx, handler, plan)

	switch {
	case result.Success:
		err := e.Store.TransitionStep(ctx, plan.Step.ID, task.StepInProgress, task.StepComplete, nil, store.StepUpdate{
			Results:        result.Data,
			ClearInProcess: true,
			MarkProcessed:  true,
		})
		if orcherrors.Is(err, orcherrors.CodeGuardFailed) {
			// The task was cancelled while the handler ran; the result is
			// discarded and the step settles as cancelled.
			log.Info("step completion rejected by cancelled task, result discarded")
			if terr := e.Store.TransitionStep(ctx, plan.Step.ID, task.StepInProgress, task.StepCancelled,
				[]byte(`{"result_discarded":true}`), store.StepUpdate{ClearInProcess: true}); terr != nil {
				log.Error("failed to settle discarded step as cancelled", slog.String("error", terr.Error()))
			}
			e.publish(ctx, eventbus.StepCancelled{TaskID: plan.Task.ID, StepID: plan.Step.ID, ResultDiscarded: true})
			return
		}
		if err != nil {
			log.Error("failed to transition step to complete", slog.String("error", err.Error()))
			return
		}
		e.publish(ctx, eventbus.StepCompleted{TaskID: plan.Task.ID, StepID: plan.Step.ID, Name: plan.HandlerClass})
	case result.FailureKind == FailurePermanent:
		e.finishWithError(ctx, plan, task.StepInProgress, result.Err, result.BackoffRequestSeconds, attemptedAt, true)
		e.publish(ctx, eventbus.StepFailed{TaskID: plan.Task.ID, StepID: plan.Step.ID, Name: plan.HandlerClass, Retryable: false})
	default: // retryable or timeout
		delay := e.finishWithError(ctx, plan, task.StepInProgress, result.Err, result.BackoffRequestSeconds, attemptedAt, false)
		attempt := plan.Step.Attempts + 1
		retryable := attempt < plan.Step.RetryLimit
		e.publish(ctx, eventbus.StepFailed{TaskID: plan.Task.ID, StepID: plan.Step.ID, Name: plan.HandlerClass, Retryable: retryable})
		if retryable {
			e.publish(ctx, eventbus.StepRetryRequested{
				TaskID: plan.Task.ID, StepID: plan.Step.ID,
				Attempt: attempt, AttemptsRemaining: plan.Step.RetryLimit - attempt,
			})
			e.publish(ctx, eventbus.StepBackoff{
				TaskID: plan.Task.ID, StepID: plan.Step.ID,
				ServerSuggested: result.BackoffRequestSeconds != nil,
				Seconds:         delay.Seconds(),
			})
		}
	}
}

func (e *Executor) publish(ctx context.Context, ev eventbus.Event) {
	if e.Events != nil {
		e.Events.Publish(ctx, ev)
	}
}

func (e *Executor) invoke(ctx context.Context, h Handler, plan StepPlan) HandlerResult {
	callCtx := ctx
	var cancel context.CancelFunc
	if plan.HandlerTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, plan.HandlerTimeout)
		defer cancel()
	}

	sc := StepContext{Task: plan.Task, Sequence: plan.Sequence, Step: plan.Step}
	res, err := h.Process(callCtx, sc)

	if callCtx.Err() == context.DeadlineExceeded {
		res.FailureKind = FailureTimeout
		res.Success = false
		if res.Err == nil {
			res.Err = orcherrors.New(orcherrors.CodeHandlerTimeout, "executor", "handler exceeded its timeout", callCtx.Err())
		}
		return res
	}

	return classifyOutcome(res, err)
}

// finishWithError records a failed attempt and returns the realized retry
// delay. The jittered exponential (or the server-suggested window) is rolled
// exactly once here and persisted as the step's retry gate; every later
// readiness evaluation and the reenqueuer read that one instant back rather
// than re-drawing the jitter. A permanent failure also clears the step's
// retryable flag so the evaluator treats it as terminal even with retry
// budget remaining.
func (e *Executor) finishWithError(ctx context.Context, plan StepPlan, from task.StepState, cause error, backoff *float64, attemptedAt time.Time, permanent bool) time.Duration {
	update := store.StepUpdate{
		ClearInProcess: true,
		BackoffSeconds: backoff,
	}
	var delay time.Duration
	if permanent {
		notRetryable := false
		update.SetRetryable = &notRetryable
	} else {
		delay = e.Policy.Delay(plan.Step.Attempts+1, backoff)
		next := attemptedAt.Add(delay)
		update.NextRetryAt = &next
	}
	if err := e.Store.TransitionStep(ctx, plan.Step.ID, from, task.StepError, errorMetadata(cause, permanent), update); err != nil {
		e.Logger.Error("failed to transition step to error", slog.String("error", err.Error()))
	}
	return delay
}

func errorMetadata(err error, permanent bool) []byte {
	terminal := ""
	if permanent {
		terminal = `,"terminal":true`
	}
	if err == nil {
		return []byte(`{}`)
	}
	msg := err.Error()
	return []byte(`{"error":` + quoteJSON(msg) + terminal + `}`)
}

func quoteJSON(s string) string {
	b := []byte{'"'}
	for _, r := range s {
		switch r {
		case '"', '\\':
			b = append(b, '\\', byte(r))
		case '\n':
			b = append(b, '\\', 'n')
		default:
			b = append(b, string(r)...)
		}
	}
	b = append(b, '"')
	return string(b)
}
