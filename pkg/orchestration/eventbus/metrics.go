package eventbus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink subscribes to the bus and maintains counters for task and
// step outcomes, the concrete sink the ambient observability stack plugs in
// at process start.
type PrometheusSink struct {
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCancelled prometheus.Counter
	stepsCompleted prometheus.Counter
	stepsFailed    prometheus.Counter
	stepsRetried   prometheus.Counter
}

// NewPrometheusSink registers its counters with reg and returns a sink ready
// to be wired via Bus.Subscribe.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Total number of tasks that reached a successful terminal state.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_failed_total",
			Help: "Total number of tasks blocked by an unrecoverable step failure.",
		}),
		stepsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_steps_completed_total",
			Help: "Total number of steps that completed successfully.",
		}),
		stepsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_steps_failed_total",
			Help: "Total number of step attempts that failed.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_cancelled_total",
			Help: "Total number of tasks cancelled by an external actor.",
		}),
		stepsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_steps_retried_total",
			Help: "Total number of failed step attempts that will be retried.",
		}),
	}
	reg.MustRegister(s.tasksCompleted, s.tasksFailed, s.tasksCancelled, s.stepsCompleted, s.stepsFailed, s.stepsRetried)
	return s
}

// Register wires the sink's handlers onto bus for every event type it
// cares about.
func (s *PrometheusSink) Register(bus *Bus) {
	bus.Subscribe(TypeTaskCompleted, s.onTaskCompleted)
	bus.Subscribe(TypeTaskFailed, s.onTaskFailed)
	bus.Subscribe(TypeTaskCancelled, s.onTaskCancelled)
	bus.Subscribe(TypeStepCompleted, s.onStepCompleted)
	bus.Subscribe(TypeStepFailed, s.onStepFailed)
	bus.Subscribe(TypeStepRetryRequested, s.onStepRetried)
}

func (s *PrometheusSink) onTaskCancelled(ctx context.Context, event Event) error {
	s.tasksCancelled.Inc()
	return nil
}

func (s *PrometheusSink) onStepRetried(ctx context.Context, event Event) error {
	s.stepsRetried.Inc()
	return nil
}

func (s *PrometheusSink) onTaskCompleted(ctx context.Context, event Event) error {
	s.tasksCompleted.Inc()
	return nil
}

func (s *PrometheusSink) onTaskFailed(ctx context.Context, event Event) error {
	s.tasksFailed.Inc()
	return nil
}

func (s *PrometheusSink) onStepCompleted(ctx context.Context, event Event) error {
	s.stepsCompleted.Inc()
	return nil
}

func (s *PrometheusSink) onStepFailed(ctx context.Context, event Event) error {
	s.stepsFailed.Inc()
	return nil
}
