package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracingSink emits a short-lived span per step lifecycle event (started,
// completed, failed; task events get no span), letting a coordinator pass's step attempts show up as child spans in
// whatever OTel exporter the deployment wires up.
type TracingSink struct {
	tracer trace.Tracer
}

// NewTracingSink builds a sink using the global otel TracerProvider under
// the given instrumentation name.
func NewTracingSink(instrumentationName string) *TracingSink {
	return &TracingSink{tracer: otel.Tracer(instrumentationName)}
}

// Register wires the sink's handlers onto bus for every event type it
// cares about.
func (s *TracingSink) Register(bus *Bus) {
	bus.Subscribe(TypeStepStarted, s.onStepStarted)
	bus.Subscribe(TypeStepCompleted, s.onStepEnded)
	bus.Subscribe(TypeStepFailed, s.onStepEnded)
}

func (s *TracingSink) onStepStarted(ctx context.Context, event Event) error {
	ev, ok := event.(StepStarted)
	if !ok {
		return nil
	}
	_, span := s.tracer.Start(ctx, "orchestration.step",
		trace.WithAttributes(
			attribute.String("task_id", ev.TaskID.String()),
			attribute.String("step_id", ev.StepID.String()),
			attribute.String("step_name", ev.Name),
		))
	span.End()
	return nil
}

func (s *TracingSink) onStepEnded(ctx context.Context, event Event) error {
	_, span := s.tracer.Start(ctx, "orchestration.step.outcome")
	span.End()
	return nil
}
