// Package evaluator computes step readiness and task execution context as a
// pure function over a consistent store snapshot. It issues no store calls
// of its own, so a single aggregate query can feed it without per-step
// round trips.
package evaluator

import (
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/retrypolicy"
)

// StepSnapshot is one row of a TaskSnapshot: a step's current state plus
// just enough history to decide readiness.
type StepSnapshot struct {
	StepID          task.ID
	Name            string
	State           task.StepState
	Retryable       bool
	RetryLimit      int
	Attempts        int
	InProcess       bool
	Skippable       bool
	LastAttemptedAt *time.Time
	BackoffSeconds  *float64   // server-suggested backoff, if any, from the most recent attempt
	NextRetryAt     *time.Time // realized retry gate persisted by the executor at failure time
	Dependencies    []task.ID
	Results         []byte // the step's persisted results, if any; carried through for handler cross-step lookup
}

// TaskSnapshot is the aggregate query result the evaluator consumes: every
// step of a task, plus the task's own current state.
type TaskSnapshot struct {
	TaskID    task.ID
	TaskState task.TaskState
	Steps     []StepSnapshot
}

// ReadinessClass classifies why a step is or is not ready right now.
type ReadinessClass string

const (
	ReadyNow             ReadinessClass = "ready_now"
	WaitingOnDependencies ReadinessClass = "waiting_on_dependencies"
	WaitingOnBackoff     ReadinessClass = "waiting_on_backoff"
	Blocked              ReadinessClass = "blocked"
	AlreadyInProcess     ReadinessClass = "already_in_process"
	Terminal             ReadinessClass = "terminal"
)

// StepReadinessStatus is the evaluator's verdict for one step.
type StepReadinessStatus struct {
	StepID           task.ID
	Name             string
	State            task.StepState
	Class            ReadinessClass
	ReadyForExecution bool
	NextAttemptAt    *time.Time
	RetryExhausted   bool
	DependenciesOK   bool
	Skippable        bool
}

// ExecutionStatus summarizes the aggregate state of a task's steps.
type ExecutionStatus string

const (
	StatusHasReadySteps           ExecutionStatus = "has_ready_steps"
	StatusProcessing              ExecutionStatus = "processing"
	StatusBlockedByFailures       ExecutionStatus = "blocked_by_failures"
	StatusWaitingForDependencies  ExecutionStatus = "waiting_for_dependencies"
	StatusAllComplete             ExecutionStatus = "all_complete"
)

// HealthStatus is a coarse signal for operators/dashboards.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked    HealthStatus = "blocked"
)

// RecommendedAction tells the Coordinator what to do next.
type RecommendedAction string

const (
	ActionExecuteReadySteps  RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion  RecommendedAction = "wait_for_completion"
	ActionHandleFailures     RecommendedAction = "handle_failures"
	ActionFinalizeTask       RecommendedAction = "finalize_task"
)

// TaskExecutionContext is the evaluator's aggregate verdict for a task.
type TaskExecutionContext struct {
	TaskID            task.ID
	TotalSteps        int
	PendingSteps      int
	InProgressSteps   int
	CompletedSteps    int
	FailedSteps       int
	ReadySteps        []StepReadinessStatus
	AllStatuses       []StepReadinessStatus
	ExecutionStatus   ExecutionStatus
	HealthStatus      HealthStatus
	RecommendedAction RecommendedAction
}

// Evaluate computes the TaskExecutionContext for a given snapshot as of
// "now", using policy to decide whether an errored step's backoff window has
// elapsed. Passing "now" explicitly (rather than calling time.Now
// internally) keeps the function pure and trivially testable. A nil policy
// falls back to retrypolicy.DefaultPolicy().
func Evaluate(snap TaskSnapshot, now time.Time, policy *retrypolicy.Policy) TaskExecutionContext {
	if policy == nil {
		policy = retrypolicy.DefaultPolicy()
	}
	byID := make(map[task.ID]StepSnapshot, len(snap.Steps))
	for _, s := range snap.Steps {
		byID[s.StepID] = s
	}

	ctx := TaskExecutionContext{TaskID: snap.TaskID, TotalSteps: len(snap.Steps)}
	for _, s := range snap.Steps {
		status := evaluateStep(s, byID, now, policy)
		ctx.AllStatuses = append(ctx.AllStatuses, status)

		switch s.State {
		case task.StepPending:
			ctx.PendingSteps++
		case task.StepInProgress:
			ctx.InProgressSteps++
		case task.StepComplete, task.StepResolvedManually:
			ctx.CompletedSteps++
		case task.StepError:
			ctx.FailedSteps++
		}

		if status.ReadyForExecution {
			ctx.ReadySteps = append(ctx.ReadySteps, status)
		}
	}

	ctx.ExecutionStatus, ctx.HealthStatus, ctx.RecommendedAction = classify(ctx)
	return ctx
}

func evaluateStep(s StepSnapshot, byID map[task.ID]StepSnapshot, now time.Time, policy *retrypolicy.Policy) StepReadinessStatus {
	status := StepReadinessStatus{StepID: s.StepID, Name: s.Name, State: s.State, Skippable: s.Skippable}

	if task.IsStepTerminal(s.State) {
		status.Class = Terminal
		return status
	}

	if s.InProcess {
		status.Class = AlreadyInProcess
		return status
	}

	depsOK := true
	for _, depID := range s.Dependencies {
		dep, ok := byID[depID]
		if !ok || !task.IsStepSuccessful(dep.State) {
			depsOK = false
			break
		}
	}
	status.DependenciesOK = depsOK

	if s.State == task.StepError {
		if !s.Retryable || s.Attempts >= s.RetryLimit {
			status.RetryExhausted = true
			status.Class = Blocked
			return status
		}
	}

	if !depsOK {
		status.Class = WaitingOnDependencies
		return status
	}

	if s.State == task.StepError && (s.NextRetryAt != nil || s.LastAttemptedAt != nil) {
		next := nextAttemptTime(s, policy)
		status.NextAttemptAt = &next
		if now.Before(next) {
			status.Class = WaitingOnBackoff
			return status
		}
	}

	status.Class = ReadyNow
	status.ReadyForExecution = true
	return status
}

// nextAttemptTime prefers the retry gate the executor persisted when the
// attempt failed; recomputing the jittered delay here would re-draw the
// random factor on every evaluation, so readiness and the reenqueuer could
// disagree on when the step becomes eligible. The computed fallback covers
// rows written before a gate existed (and snapshots built by hand in tests).
func nextAttemptTime(s StepSnapshot, policy *retrypolicy.Policy) time.Time {
	if s.NextRetryAt != nil {
		return *s.NextRetryAt
	}
	delay := policy.Delay(s.Attempts, s.BackoffSeconds)
	return s.LastAttemptedAt.Add(delay)
}

func classify(ctx TaskExecutionContext) (ExecutionStatus, HealthStatus, RecommendedAction) {
	// A skippable step whose retries are exhausted does not count against
	// task completion: it is satisfied-by-skip and resolved at finalization.
	satisfied := 0
	blocked := false
	for _, s := range ctx.AllStatuses {
		switch {
		case task.IsStepSuccessful(s.State):
			satisfied++
		case s.RetryExhausted && s.Skippable:
			satisfied++
		case s.RetryExhausted:
			blocked = true
		}
	}
	if ctx.TotalSteps > 0 && satisfied == ctx.TotalSteps {
		return StatusAllComplete, HealthHealthy, ActionFinalizeTask
	}
	if len(ctx.ReadySteps) > 0 {
		health := HealthHealthy
		if ctx.FailedSteps > 0 {
			health = HealthRecovering
		}
		return StatusHasReadySteps, health, ActionExecuteReadySteps
	}
	if ctx.InProgressSteps > 0 {
		return StatusProcessing, HealthHealthy, ActionWaitForCompletion
	}
	if blocked {
		return StatusBlockedByFailures, HealthBlocked, ActionHandleFailures
	}
	return StatusWaitingForDependencies, HealthRecovering, ActionWaitForCompletion
}
