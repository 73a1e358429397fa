// Package eventbus provides synchronous, in-process publish/subscribe for
// orchestration lifecycle events, adapted from the
// pkg/domain/events package (DomainEvent/Publisher/Handler), generalized
// from a single-publisher interface to a registerable multi-subscriber bus
// with a sealed catalog of task/step events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/task"
)

// Event is implemented by every concrete event type the bus carries.
type Event interface {
	EventType() string
}

// Handler reacts to a published event. A returned error is logged but never
// stops delivery to the remaining handlers.
type Handler func(ctx context.Context, event Event) error

// Bus is a synchronous, in-process publisher: Publish calls every matching
// handler before returning, the way Publisher.Publish in pkg/domain/events
// does, generalized to support many handlers per event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// New builds an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{handlers: make(map[string][]Handler), logger: logger}
}

// Subscribe registers h to run whenever an event of eventType is published.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish synchronously invokes every handler subscribed to event's type.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.EventType()]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				slog.String("event_type", event.EventType()), slog.String("error", err.Error()))
		}
	}
}

// PublishAsync runs Publish in its own goroutine, for handlers that must
// never block the caller's coordinator pass (e.g. a metrics sink).
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	go b.Publish(ctx, event)
}

// Event type names, used both as map keys and as the EventType() return
// value of the concrete types below.
const (
	TypeTaskInitializeRequested   = "task.initialize_requested"
	TypeTaskStartRequested        = "task.start_requested"
	TypeTaskStarted               = "task.started"
	TypeTaskCompleted             = "task.completed"
	TypeTaskFailed                = "task.failed"
	TypeTaskCancelled             = "task.cancelled"
	TypeTaskFinalizationStarted   = "task.finalization_started"
	TypeTaskFinalizationCompleted = "task.finalization_completed"
	TypeTaskReenqueueRequested    = "task.reenqueue_requested"
	TypeTaskReenqueueDelayed      = "task.reenqueue_delayed"
	TypeTaskReenqueueStarted      = "task.reenqueue_started"
	TypeTaskReenqueueFailed       = "task.reenqueue_failed"
	TypeStepBeforeHandle          = "step.before_handle"
	TypeStepStarted               = "step.started"
	TypeStepCompleted             = "step.completed"
	TypeStepFailed                = "step.failed"
	TypeStepRetryRequested        = "step.retry_requested"
	TypeStepBackoff               = "step.backoff"
	TypeStepCancelled             = "step.cancelled"
	TypeWorkflowStateUnclear      = "workflow.state_unclear"
	TypeWorkflowError             = "workflow.error"
)

// TaskInitializeRequested is published once a new Task has been materialized
// and persisted by Engine.Submit, before it is handed to a coordinator pass.
type TaskInitializeRequested struct {
	TaskID      task.ID
	NamedTaskID task.ID
}

func (TaskInitializeRequested) EventType() string { return TypeTaskInitializeRequested }

// TaskStartRequested is published when a freshly submitted task is handed to
// its first coordinator pass.
type TaskStartRequested struct{ TaskID task.ID }

func (TaskStartRequested) EventType() string { return TypeTaskStartRequested }

// TaskStarted is published the first time a task transitions out of pending.
type TaskStarted struct{ TaskID task.ID }

func (TaskStarted) EventType() string { return TypeTaskStarted }

// TaskCompleted is published once every step of a task has reached a
// successful terminal state.
type TaskCompleted struct{ TaskID task.ID }

func (TaskCompleted) EventType() string { return TypeTaskCompleted }

// TaskFailed is published when a task is blocked by an unrecoverable step
// failure.
type TaskFailed struct {
	TaskID        task.ID
	FailedStepIDs []task.ID
}

func (TaskFailed) EventType() string { return TypeTaskFailed }

// TaskCancelled is published exactly once when an external actor cancels a
// task. In-flight step handlers are not interrupted; their commits are
// rejected by the completion guard and the results discarded.
type TaskCancelled struct {
	TaskID task.ID
	Reason string
}

func (TaskCancelled) EventType() string { return TypeTaskCancelled }

// TaskFinalizationStarted is published just before the coordinator writes a
// task's terminal transition.
type TaskFinalizationStarted struct{ TaskID task.ID }

func (TaskFinalizationStarted) EventType() string { return TypeTaskFinalizationStarted }

// TaskFinalizationCompleted is published after a task's terminal transition
// has been committed and its terminal event (completed/failed) delivered.
type TaskFinalizationCompleted struct {
	TaskID task.ID
	State  task.TaskState
}

func (TaskFinalizationCompleted) EventType() string { return TypeTaskFinalizationCompleted }

// TaskReenqueueRequested is published when a coordinator pass asks the
// reenqueuer to schedule a later pass for a task.
type TaskReenqueueRequested struct {
	TaskID task.ID
	Reason string
	Delay  time.Duration
}

func (TaskReenqueueRequested) EventType() string { return TypeTaskReenqueueRequested }

// TaskReenqueueDelayed is published when a reenqueue request was coalesced
// into an existing work-queue row by the debounce window.
type TaskReenqueueDelayed struct {
	TaskID task.ID
	Reason string
}

func (TaskReenqueueDelayed) EventType() string { return TypeTaskReenqueueDelayed }

// TaskReenqueueStarted is published when the sweeper claims a due work-queue
// row and hands the task back to the coordinator.
type TaskReenqueueStarted struct{ TaskID task.ID }

func (TaskReenqueueStarted) EventType() string { return TypeTaskReenqueueStarted }

// TaskReenqueueFailed is published when the durable enqueue itself failed;
// the task will stall until the next external trigger, so operators alert on
// this one.
type TaskReenqueueFailed struct {
	TaskID task.ID
	Reason string
	Err    string
}

func (TaskReenqueueFailed) EventType() string { return TypeTaskReenqueueFailed }

// StepBeforeHandle is published after a step has been claimed and moved to
// in_progress, immediately before its handler runs.
type StepBeforeHandle struct {
	TaskID  task.ID
	StepID  task.ID
	Attempt int
}

func (StepBeforeHandle) EventType() string { return TypeStepBeforeHandle }

// StepStarted is published by the coordinator for each step of a ready
// batch, before the executor claims the step and invokes its handler.
type StepStarted struct {
	TaskID task.ID
	StepID task.ID
	Name   string
}

func (StepStarted) EventType() string { return TypeStepStarted }

// StepCompleted is published when a step's handler reports success.
type StepCompleted struct {
	TaskID task.ID
	StepID task.ID
	Name   string
}

func (StepCompleted) EventType() string { return TypeStepCompleted }

// StepFailed is published when a step's handler reports failure, whether or
// not it will be retried.
type StepFailed struct {
	TaskID    task.ID
	StepID    task.ID
	Name      string
	Retryable bool
}

func (StepFailed) EventType() string { return TypeStepFailed }

// StepRetryRequested is published when a retryable failure leaves the step
// with attempts remaining, so a future pass will run it again.
type StepRetryRequested struct {
	TaskID            task.ID
	StepID            task.ID
	Attempt           int
	AttemptsRemaining int
}

func (StepRetryRequested) EventType() string { return TypeStepRetryRequested }

// StepBackoff is published alongside a retryable failure when the step's
// next attempt is gated by a backoff window (server-suggested or computed).
type StepBackoff struct {
	TaskID          task.ID
	StepID          task.ID
	ServerSuggested bool
	Seconds         float64
}

func (StepBackoff) EventType() string { return TypeStepBackoff }

// StepCancelled is published when a step's pending work is cancelled with
// its task, or when an in-flight step's completion was rejected because the
// task had already been cancelled (its result is discarded).
type StepCancelled struct {
	TaskID          task.ID
	StepID          task.ID
	ResultDiscarded bool
}

func (StepCancelled) EventType() string { return TypeStepCancelled }

// WorkflowStateUnclear is published when a pass finds nothing ready, nothing
// in progress, and no pending backoff, yet the task is not finished; the
// coordinator falls back to a short poll and operators may want to look.
type WorkflowStateUnclear struct{ TaskID task.ID }

func (WorkflowStateUnclear) EventType() string { return TypeWorkflowStateUnclear }

// WorkflowError is published for orchestration-internal failures that are
// retried at pass level rather than surfaced to callers.
type WorkflowError struct {
	TaskID task.ID
	Err    string
}

func (WorkflowError) EventType() string { return TypeWorkflowError }
