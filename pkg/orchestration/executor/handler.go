package executor

import (
	"context"
	"encoding/json"

	"github.com/taskflow-io/engine/pkg/domain/task"
)

// FailureKind classifies a handler's failure so the executor knows whether
// to schedule a retry, surface a permanent error, or treat it as having hit
// its wall-clock budget.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureRetryable FailureKind = "retryable"
	FailurePermanent FailureKind = "permanent"
	FailureTimeout   FailureKind = "timeout"
)

// SequenceStep is one entry in a StepContext's ordered Sequence: a sibling
// step of the same task, carrying enough of its current state for a handler
// to look up a prior step's persisted results.
type SequenceStep struct {
	StepID  task.ID
	Name    string
	State   task.StepState
	Results json.RawMessage
}

// Sequence is the ordered view of a task's steps passed to every handler
// invocation, letting a handler read a prior step's Results without a
// separate store round trip.
type Sequence []SequenceStep

// ByName returns the sequence entry for the step with the given name, if
// any step by that name has been materialized for this task.
func (seq Sequence) ByName(name string) (SequenceStep, bool) {
	for _, s := range seq {
		if s.Name == name {
			return s, true
		}
	}
	return SequenceStep{}, false
}

// StepContext is what a Handler receives for one invocation: the owning
// task, an ordered view of every step belonging to the task (to allow
// cross-step data lookup), and the concrete step instance being invoked.
type StepContext struct {
	Task     task.Task
	Sequence Sequence
	Step     task.WorkflowStep
}

// HandlerResult is a handler's verdict for one invocation.
type HandlerResult struct {
	Success               bool
	Data                  json.RawMessage
	FailureKind           FailureKind
	BackoffRequestSeconds *float64
	Err                   error
}

// Handler is the step-handler contract. Implementations are supplied by
// callers (business logic is out of scope for this engine); a handler
// returning an error with no FailureKind classification is treated as
// FailureRetryable: an unclassified failure is assumed transient until a
// handler says otherwise.
type Handler interface {
	Process(ctx context.Context, sc StepContext) (HandlerResult, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, sc StepContext) (HandlerResult, error)

func (f HandlerFunc) Process(ctx context.Context, sc StepContext) (HandlerResult, error) {
	return f(ctx, sc)
}

// classifyOutcome normalizes a handler's (result, err) pair: an error with
// no explicit FailureKind is treated as retryable.
func classifyOutcome(res HandlerResult, err error) HandlerResult {
	if err != nil && res.FailureKind == FailureNone {
		res.FailureKind = FailureRetryable
		res.Err = err
	}
	if err != nil {
		res.Success = false
	}
	return res
}
