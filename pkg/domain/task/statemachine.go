package task

import "github.com/taskflow-io/engine/pkg/domain/orcherrors"

// TaskState is one of the states in the task lifecycle.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskInProgress       TaskState = "in_progress"
	TaskComplete         TaskState = "complete"
	TaskError            TaskState = "error"
	TaskCancelled        TaskState = "cancelled"
	TaskResolvedManually TaskState = "resolved_manually"
)

// StepState is one of the states in the step lifecycle.
type StepState string

const (
	StepPending          StepState = "pending"
	StepInProgress       StepState = "in_progress"
	StepComplete         StepState = "complete"
	StepError            StepState = "error"
	StepCancelled        StepState = "cancelled"
	StepResolvedManually StepState = "resolved_manually"
)

// transitionTable maps a from-state to the set of to-states a Machine will
// permit from it. Both the Task and Step machines are instances of the same
// generic engine, parameterized by their own table.
type transitionTable[S comparable] map[S][]S

func (t transitionTable[S]) allowed(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t transitionTable[S]) terminal(s S) bool {
	return len(t[s]) == 0
}

// Machine is a generic finite state machine engine. It holds no state of
// its own beyond the legal-transition table; callers pass the current state
// explicitly and receive a verdict, matching the store-driven, snapshot-based
// design of the rest of the orchestration core.
type Machine[S comparable] struct {
	table transitionTable[S]
}

// Allowed reports whether transitioning from "from" to "to" is legal.
func (m *Machine[S]) Allowed(from, to S) bool {
	return m.table.allowed(from, to)
}

// IsTerminal reports whether a state has no legal outgoing transitions.
func (m *Machine[S]) IsTerminal(s S) bool {
	return m.table.terminal(s)
}

// Guard returns a *orcherrors.Error with CodeGuardFailed if the transition
// is not legal, otherwise nil.
func (m *Machine[S]) Guard(domain string, from, to S) error {
	if !m.Allowed(from, to) {
		return orcherrors.New(orcherrors.CodeGuardFailed, domain,
			guardMessage(from, to), nil)
	}
	return nil
}

func guardMessage(from, to any) string {
	return "illegal transition"
}

// TaskMachine is the single instance of the generic engine parameterized
// for TaskState.
var TaskMachine = &Machine[TaskState]{table: transitionTable[TaskState]{
	TaskPending:    {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskComplete, TaskError, TaskCancelled, TaskResolvedManually},
	TaskError:      {TaskInProgress, TaskResolvedManually, TaskCancelled},
	// Complete, Cancelled, ResolvedManually are terminal.
}}

// StepMachine is the single instance of the generic engine parameterized
// for StepState.
var StepMachine = &Machine[StepState]{table: transitionTable[StepState]{
	StepPending:    {StepInProgress, StepCancelled, StepResolvedManually},
	StepInProgress: {StepComplete, StepError, StepCancelled, StepResolvedManually},
	StepError:      {StepPending, StepResolvedManually, StepCancelled},
	// Complete, Cancelled, ResolvedManually are terminal.
}}

// IsTaskTerminal reports whether a task in state s can never transition again.
func IsTaskTerminal(s TaskState) bool { return TaskMachine.IsTerminal(s) }

// IsStepTerminal reports whether a step in state s can never transition again.
func IsStepTerminal(s StepState) bool { return StepMachine.IsTerminal(s) }

// IsStepSuccessful reports whether a step's terminal state counts as having
// satisfied its downstream dependents.
func IsStepSuccessful(s StepState) bool {
	return s == StepComplete || s == StepResolvedManually
}
