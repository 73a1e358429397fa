// Package store defines the transactional relational store abstraction the
// orchestration core is built against, plus two concrete implementations: a
// PostgreSQL adapter (pgx) for production multi-process deployments, and an
// embedded bbolt adapter for single-process/dev use.
package store

import (
	"context"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
)

// Store is the full persistence surface the orchestration core requires.
// Implementations must provide row-level (or equivalent) locking for
// WithTaskLock and atomic compare-and-set semantics for ClaimStep.
type Store interface {
	// Init idempotently creates/upgrades the schema. Safe to call on every
	// process start.
	Init(ctx context.Context) error

	// WithTaskLock runs fn while holding an exclusive, per-task advisory
	// lock, so at most one coordinator pass runs for a given task at a time.
	// The lock is released when fn returns, regardless of error.
	WithTaskLock(ctx context.Context, taskID task.ID, fn func(ctx context.Context) error) error

	// RegisterNamedTask persists a NamedTask definition, its NamedSteps, and
	// the NamedTaskStep join rows describing each step's defaults and
	// handler class, idempotently (safe to call every time a task
	// definition is materialized from the in-process Handler Registry into
	// the durable store). The owning namespace is created if it doesn't
	// already exist.
	RegisterNamedTask(ctx context.Context, namespace task.TaskNamespace, namedTask task.NamedTask, namedSteps []task.NamedStep, joins []task.NamedTaskStep) error

	// CreateTask persists a new Task along with its WorkflowSteps and edges,
	// and writes the initial pending transitions for the task and every
	// step, inside one transaction.
	CreateTask(ctx context.Context, t task.Task, steps []task.WorkflowStep, edges []task.WorkflowStepEdge) error

	// TaskExecutionSnapshot returns the single aggregate read the Readiness
	// Evaluator consumes for one task.
	TaskExecutionSnapshot(ctx context.Context, taskID task.ID) (evaluator.TaskSnapshot, error)

	// TaskExecutionSnapshots is the batch variant of TaskExecutionSnapshot,
	// reading many tasks at once.
	TaskExecutionSnapshots(ctx context.Context, taskIDs []task.ID) ([]evaluator.TaskSnapshot, error)

	// ClaimStep atomically sets in_process=true for a step currently
	// eligible (state in {pending,error} and in_process=false), returning
	// false if another worker already claimed it (lost the race).
	ClaimStep(ctx context.Context, stepID task.ID) (bool, error)

	// ReleaseStep clears in_process without otherwise changing state; used
	// when a claimed step's handler invocation could not even start.
	ReleaseStep(ctx context.Context, stepID task.ID) error

	// TransitionStep records a step state transition transactionally: marks
	// the prior most-recent row as no-longer-most-recent, inserts the new
	// transition row, and updates the denormalized current-state column.
	// update may additionally change attempts/results/backoff on the step row.
	TransitionStep(ctx context.Context, stepID task.ID, from, to task.StepState, metadata []byte, update StepUpdate) error

	// TransitionTask is the task-level equivalent of TransitionStep.
	TransitionTask(ctx context.Context, taskID task.ID, from, to task.TaskState, metadata []byte) error

	// EnqueueReenqueue inserts a work-queue row for taskID visible at
	// visibleAt, unless a row for the same (taskID, reason) was inserted
	// within the debounce window, in which case it is a silent no-op and ok
	// is false.
	EnqueueReenqueue(ctx context.Context, taskID task.ID, reason string, visibleAt time.Time, debounce time.Duration) (ok bool, err error)

	// ClaimDueReenqueues atomically claims and deletes up to limit work-queue
	// rows whose visible_at has elapsed, returning their task ids.
	ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]task.ID, error)

	Close() error
}

// StepUpdate carries the optional field changes TransitionStep should apply
// to the step row alongside the transition itself.
type StepUpdate struct {
	IncrementAttempts bool
	LastAttemptedAt   *time.Time
	BackoffSeconds    *float64
	Results           []byte
	ClearInProcess    bool
	MarkProcessed     bool
	// SetRetryable overrides the step's retryable flag; a permanent handler
	// failure persists false here so the readiness evaluator never schedules
	// another attempt regardless of the remaining retry budget.
	SetRetryable *bool
	// NextRetryAt persists the realized retry gate rolled once at failure
	// time (jittered exponential or server-suggested), so every later
	// readiness evaluation reads the same instant.
	NextRetryAt *time.Time
}
