package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStep(t *testing.T, st *store.MemoryStore) (task.Task, task.WorkflowStep) {
	t.Helper()
	taskID := task.NewID()
	stepID := task.NewID()
	tsk := task.Task{ID: taskID, CreatedAt: time.Now(), RequestedAt: time.Now()}
	step := task.WorkflowStep{ID: stepID, TaskID: taskID, Retryable: true, RetryLimit: 3}
	if err := st.CreateTask(context.Background(), tsk, []task.WorkflowStep{step}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tsk, step
}

func TestExecutorRunBatchSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			return HandlerResult{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "noop",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(context.Background(), []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(context.Background(), tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	if snap.Steps[0].State != task.StepComplete {
		t.Fatalf("expected step complete, got %s", snap.Steps[0].State)
	}
}

func TestExecutorRunBatchRetryableFailureGoesToError(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			return HandlerResult{}, context.DeadlineExceeded
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "flaky",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(context.Background(), []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(context.Background(), tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	if snap.Steps[0].State != task.StepError {
		t.Fatalf("expected step error, got %s", snap.Steps[0].State)
	}
	if snap.Steps[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", snap.Steps[0].Attempts)
	}
}

func TestExecutorHandlerNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)

	handlers := func(class string) (Handler, bool) { return nil, false }

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "missing",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(context.Background(), []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(context.Background(), tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	if snap.Steps[0].State != task.StepError {
		t.Fatalf("expected step error for missing handler, got %s", snap.Steps[0].State)
	}
}

func TestExecutorRetryResetsThroughPending(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)
	ctx := context.Background()

	// Drive the step into error state first.
	if _, err := st.ClaimStep(ctx, step.ID); err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if err := st.TransitionStep(ctx, step.ID, task.StepPending, task.StepInProgress, nil, store.StepUpdate{IncrementAttempts: true}); err != nil {
		t.Fatalf("TransitionStep: %v", err)
	}
	if err := st.TransitionStep(ctx, step.ID, task.StepInProgress, task.StepError, nil, store.StepUpdate{ClearInProcess: true}); err != nil {
		t.Fatalf("TransitionStep: %v", err)
	}

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			return HandlerResult{Success: true, Data: json.RawMessage(`{}`)}, nil
		}), true
	}
	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task:         tsk,
		Step:         step,
		HandlerClass: "noop",
		Status:       evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepError},
	}

	if err := ex.RunBatch(ctx, []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	if snap.Steps[0].State != task.StepComplete {
		t.Fatalf("expected step complete after retry, got %s", snap.Steps[0].State)
	}
	if snap.Steps[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts total, got %d", snap.Steps[0].Attempts)
	}
}

func TestExecutorSkipsAlreadyClaimedStep(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)
	ctx := context.Background()

	if ok, err := st.ClaimStep(ctx, step.ID); err != nil || !ok {
		t.Fatalf("expected initial claim to succeed, got ok=%v err=%v", ok, err)
	}

	called := false
	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			called = true
			return HandlerResult{Success: true}, nil
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "noop",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(ctx, []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if called {
		t.Fatal("expected handler not to run for a step already claimed by another pass")
	}
}

func TestExecutorPersistsStableRetryGate(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)
	ctx := context.Background()

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			return HandlerResult{FailureKind: FailureRetryable, Err: errors.New("transient")}, nil
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "flaky",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(ctx, []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	got := snap.Steps[0]
	if got.NextRetryAt == nil {
		t.Fatal("expected a persisted retry gate after a retryable failure")
	}
	if got.LastAttemptedAt == nil {
		t.Fatal("expected last_attempted_at to be recorded")
	}
	// The realized delay is the full-jitter window for attempt 1:
	// [0.5*base, base] with base=1s under the default policy.
	delay := got.NextRetryAt.Sub(*got.LastAttemptedAt)
	if delay < ex.Policy.Base/2 || delay > ex.Policy.Base {
		t.Fatalf("expected realized delay in [%s, %s], got %s", ex.Policy.Base/2, ex.Policy.Base, delay)
	}

	// The jitter was rolled once at failure time: every evaluation reads the
	// same instant back instead of re-drawing it.
	first := evaluator.Evaluate(snap, time.Now(), ex.Policy)
	second := evaluator.Evaluate(snap, time.Now(), ex.Policy)
	if first.AllStatuses[0].NextAttemptAt == nil || second.AllStatuses[0].NextAttemptAt == nil {
		t.Fatal("expected both evaluations to report a next attempt time")
	}
	if !first.AllStatuses[0].NextAttemptAt.Equal(*second.AllStatuses[0].NextAttemptAt) {
		t.Fatalf("expected a stable retry gate across evaluations, got %s then %s",
			first.AllStatuses[0].NextAttemptAt, second.AllStatuses[0].NextAttemptAt)
	}
	if !first.AllStatuses[0].NextAttemptAt.Equal(*got.NextRetryAt) {
		t.Fatalf("expected evaluations to read the persisted gate %s, got %s",
			got.NextRetryAt, first.AllStatuses[0].NextAttemptAt)
	}
}

func TestExecutorPermanentFailureClearsRetryable(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)
	ctx := context.Background()

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			return HandlerResult{FailureKind: FailurePermanent, Err: context.Canceled}, nil
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "fatal",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(ctx, []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	got := snap.Steps[0]
	if got.State != task.StepError {
		t.Fatalf("expected step error, got %s", got.State)
	}
	if got.Retryable {
		t.Fatal("expected permanent failure to clear retryable so no further attempts are scheduled")
	}
	if got.Attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got.Attempts)
	}
}

func TestExecutorDiscardsResultWhenTaskCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)
	ctx := context.Background()

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			// Cancel the owning task while this handler is "running", then
			// report success; the completion commit must be rejected.
			if err := st.TransitionTask(ctx, tsk.ID, task.TaskPending, task.TaskCancelled, nil); err != nil {
				t.Errorf("cancel task: %v", err)
			}
			return HandlerResult{Success: true, Data: json.RawMessage(`{"should":"be discarded"}`)}, nil
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "racer",
		Status: evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(ctx, []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	got := snap.Steps[0]
	if got.State != task.StepCancelled {
		t.Fatalf("expected step to settle as cancelled, got %s", got.State)
	}
	if got.Results != nil {
		t.Fatalf("expected discarded result, got %s", got.Results)
	}
}

func TestExecutorClassifiesTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	tsk, step := setupStep(t, st)
	ctx := context.Background()

	handlers := func(class string) (Handler, bool) {
		return HandlerFunc(func(ctx context.Context, sc StepContext) (HandlerResult, error) {
			<-ctx.Done()
			return HandlerResult{}, ctx.Err()
		}), true
	}

	ex := New(st, handlers, testLogger())
	plan := StepPlan{
		Task: tsk, Step: step, HandlerClass: "slow",
		HandlerTimeout: 10 * time.Millisecond,
		Status:         evaluator.StepReadinessStatus{StepID: step.ID, State: task.StepPending},
	}
	if err := ex.RunBatch(ctx, []StepPlan{plan}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("TaskExecutionSnapshot: %v", err)
	}
	if snap.Steps[0].State != task.StepError {
		t.Fatalf("expected step error after timeout, got %s", snap.Steps[0].State)
	}
}
