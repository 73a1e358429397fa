// Package orchestration provides the in-process task-submission API that
// stands in for the excluded HTTP/GraphQL transport: a caller builds a
// TaskRequest, Engine.Submit materializes it against a registered task
// definition, persists it, and hands it to a coordinator pass.
package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
	"github.com/taskflow-io/engine/pkg/orchestration/registry"
)

// TaskRequest is the caller-supplied description of a task to run: which
// registered definition to materialize, and the instance-specific context
// and provenance metadata for the resulting Task row.
type TaskRequest struct {
	Namespace string
	Name      string
	Version   *semver.Version // nil resolves to the latest registered version
	Context   json.RawMessage
	Initiator string
	Reason    string
	SourceSystem string
	Tags      []string
}

// Dispatcher hands a freshly submitted task to its first coordinator pass.
// *coordinator.Coordinator satisfies this via Run.
type Dispatcher interface {
	Run(ctx context.Context, taskID task.ID) error
}

// Engine is the in-process task-submission API named in the external
// interfaces this core exposes in place of an HTTP/GraphQL transport.
type Engine struct {
	Store      store.Store
	Registry   *registry.TaskRegistry
	Events     *eventbus.Bus
	Dispatcher Dispatcher // optional: if set, Submit kicks off the first pass synchronously
	Logger     *slog.Logger
}

// New builds an Engine. Dispatcher may be nil if the caller drives
// coordinator passes itself (e.g. via a reenqueue.Sweeper picking up the
// newly enqueued task on its next poll).
func New(st store.Store, reg *registry.TaskRegistry, events *eventbus.Bus, dispatcher Dispatcher, logger *slog.Logger) *Engine {
	return &Engine{Store: st, Registry: reg, Events: events, Dispatcher: dispatcher, Logger: logger}
}

// Submit materializes req against its registered task definition: resolves
// the (namespace, name, version) factory, builds the concrete Task and its
// WorkflowSteps/edges from the definition's TaskTemplate, persists the
// definition and the new Task transactionally, and (if a Dispatcher is
// configured) hands the task to its first coordinator pass.
func (e *Engine) Submit(ctx context.Context, req TaskRequest) (task.ID, error) {
	if req.Namespace == "" || req.Name == "" {
		return task.ID{}, orcherrors.New(orcherrors.CodeInvalidParameter, "orchestration", "namespace and name are required", nil)
	}

	factory, err := e.Registry.Lookup(req.Namespace, req.Name, req.Version)
	if err != nil {
		return task.ID{}, err
	}
	tmpl, err := factory.Build()
	if err != nil {
		return task.ID{}, orcherrors.New(orcherrors.CodeValidationFailed, "orchestration", "failed to build task template", err)
	}
	if err := tmpl.Validate(); err != nil {
		return task.ID{}, err
	}

	version := "0.0.0"
	if tmpl.Version != nil {
		version = tmpl.Version.String()
	} else if req.Version != nil {
		version = req.Version.String()
	}

	namespace := task.TaskNamespace{
		ID:   deterministicID("namespace", req.Namespace),
		Name: req.Namespace,
	}
	namedTaskID := deterministicID("named_task", req.Namespace, req.Name, version)
	namedTask := task.NamedTask{
		ID:          namedTaskID,
		NamespaceID: namespace.ID,
		Name:        req.Name,
		Version:     version,
	}

	namedSteps := make([]task.NamedStep, 0, len(tmpl.Steps))
	namedStepIDs := make(map[string]task.ID, len(tmpl.Steps))
	joins := make([]task.NamedTaskStep, 0, len(tmpl.Steps))
	for _, st := range tmpl.Steps {
		nsID := deterministicID("named_step", req.Namespace, req.Name, st.Name)
		namedStepIDs[st.Name] = nsID
		namedSteps = append(namedSteps, task.NamedStep{
			ID:                nsID,
			DependentSystemID: namespace.ID,
			Name:              st.Name,
		})
		joins = append(joins, task.NamedTaskStep{
			NamedTaskID:       namedTaskID,
			NamedStepID:       nsID,
			Skippable:         st.Skippable,
			DefaultRetryable:  st.DefaultRetryable,
			DefaultRetryLimit: st.DefaultRetryLimit,
			Dependencies:      st.Dependencies,
			HandlerClass:      st.HandlerClass,
			HandlerTimeout:    st.HandlerTimeout,
		})
	}
	if err := e.Store.RegisterNamedTask(ctx, namespace, namedTask, namedSteps, joins); err != nil {
		return task.ID{}, err
	}

	now := time.Now()
	taskID := task.NewID()
	identityHash := computeIdentityHash(req.Namespace, req.Name, version, req.Context)

	stepIDs := make(map[string]task.ID, len(tmpl.Steps))
	for _, st := range tmpl.Steps {
		stepIDs[st.Name] = task.NewID()
	}

	steps := make([]task.WorkflowStep, 0, len(tmpl.Steps))
	var edges []task.WorkflowStepEdge
	for _, st := range tmpl.Steps {
		steps = append(steps, task.WorkflowStep{
			ID:          stepIDs[st.Name],
			TaskID:      taskID,
			NamedStepID: namedStepIDs[st.Name],
			Retryable:   st.DefaultRetryable,
			RetryLimit:  st.DefaultRetryLimit,
			Skippable:   st.Skippable,
			Inputs:      req.Context,
		})
		for _, dep := range st.Dependencies {
			edges = append(edges, task.WorkflowStepEdge{
				FromStepID: stepIDs[dep],
				ToStepID:   stepIDs[st.Name],
				Name:       dep + "->" + st.Name,
			})
		}
	}
	// Sort edges for deterministic persistence order; map iteration above
	// (via tmpl.Steps, a slice) is already deterministic, but dependency
	// order within a step's Dependencies isn't guaranteed sorted by callers.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromStepID != edges[j].FromStepID {
			return edges[i].FromStepID.String() < edges[j].FromStepID.String()
		}
		return edges[i].ToStepID.String() < edges[j].ToStepID.String()
	})

	t := task.Task{
		ID:           taskID,
		NamedTaskID:  namedTaskID,
		Context:      req.Context,
		IdentityHash: identityHash,
		RequestedAt:  now,
		Initiator:    req.Initiator,
		Reason:       req.Reason,
		SourceSystem: req.SourceSystem,
		Tags:         req.Tags,
		CreatedAt:    now,
	}
	if err := e.Store.CreateTask(ctx, t, steps, edges); err != nil {
		return task.ID{}, err
	}

	e.Logger.Info("task submitted",
		slog.String("task_id", taskID.String()),
		slog.String("namespace", req.Namespace),
		slog.String("name", req.Name),
		slog.String("version", version),
		slog.Int("step_count", len(steps)))
	e.Events.Publish(ctx, eventbus.TaskInitializeRequested{TaskID: taskID, NamedTaskID: namedTaskID})

	if e.Dispatcher != nil {
		e.Events.Publish(ctx, eventbus.TaskStartRequested{TaskID: taskID})
		if err := e.Dispatcher.Run(ctx, taskID); err != nil {
			return taskID, err
		}
	}
	return taskID, nil
}

// Cancel transitions a task to cancelled. In-flight step handlers are not
// interrupted: they run to completion and their results are discarded when
// the completion commit hits the cancellation guard. Steps that have not
// started are cancelled immediately. Cancelling an already-cancelled task is
// a no-op returning success; cancelling a task in any other terminal state
// is rejected.
func (e *Engine) Cancel(ctx context.Context, taskID task.ID, reason string) error {
	snap, err := e.Store.TaskExecutionSnapshot(ctx, taskID)
	if err != nil {
		return err
	}
	if snap.TaskState == task.TaskCancelled {
		return nil
	}
	if task.IsTaskTerminal(snap.TaskState) {
		return orcherrors.New(orcherrors.CodeInvalidState, "orchestration",
			"cannot cancel task in terminal state "+string(snap.TaskState), nil)
	}

	metadata, _ := json.Marshal(map[string]string{"reason": reason})
	if err := e.Store.TransitionTask(ctx, taskID, snap.TaskState, task.TaskCancelled, metadata); err != nil {
		return err
	}
	for _, s := range snap.Steps {
		if s.InProcess || (s.State != task.StepPending && s.State != task.StepError) {
			continue
		}
		if err := e.Store.TransitionStep(ctx, s.StepID, s.State, task.StepCancelled, metadata, store.StepUpdate{}); err != nil {
			e.Logger.Warn("failed to cancel step with its task",
				slog.String("step_id", s.StepID.String()), slog.String("error", err.Error()))
			continue
		}
		e.Events.Publish(ctx, eventbus.StepCancelled{TaskID: taskID, StepID: s.StepID})
	}
	e.Events.Publish(ctx, eventbus.TaskCancelled{TaskID: taskID, Reason: reason})
	return nil
}

// ResolveStepManually marks a pending or errored step as resolved by an
// operator, satisfying its dependents without running its handler. If a
// Dispatcher is configured, the task is immediately given another
// coordinator pass so newly unblocked steps proceed.
func (e *Engine) ResolveStepManually(ctx context.Context, taskID, stepID task.ID, metadata json.RawMessage) error {
	snap, err := e.Store.TaskExecutionSnapshot(ctx, taskID)
	if err != nil {
		return err
	}
	var current *task.StepState
	for _, s := range snap.Steps {
		if s.StepID == stepID {
			st := s.State
			current = &st
			break
		}
	}
	if current == nil {
		return orcherrors.New(orcherrors.CodeNotFound, "orchestration", "step does not belong to task", nil)
	}
	if *current != task.StepPending && *current != task.StepError {
		return orcherrors.New(orcherrors.CodeInvalidState, "orchestration",
			"step cannot be manually resolved from state "+string(*current), nil)
	}
	if metadata == nil {
		metadata = json.RawMessage(`{"reason":"resolved_manually"}`)
	}
	if err := e.Store.TransitionStep(ctx, stepID, *current, task.StepResolvedManually, metadata,
		store.StepUpdate{ClearInProcess: true, MarkProcessed: true}); err != nil {
		return err
	}
	if e.Dispatcher != nil {
		return e.Dispatcher.Run(ctx, taskID)
	}
	return nil
}

// deterministicID derives a stable UUID from a kind tag and a set of
// identifying parts, so re-submitting against the same task definition
// reuses the same NamedTask/NamedStep rows instead of accumulating
// duplicates on every process restart.
func deterministicID(kind string, parts ...string) task.ID {
	joined := kind
	for _, p := range parts {
		joined += "|" + p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(joined))
}

// computeIdentityHash derives the Task's dedup key from its defining
// template and instance context: two Submit calls with identical
// (namespace, name, version, context) collide on the tasks.identity_hash
// unique constraint, so resubmitting an already-running request is a
// rejection rather than a duplicate Task. Callers that legitimately want
// more than one concurrent run of the same definition and context should
// fold a distinguishing value (a request id, a timestamp) into Context.
func computeIdentityHash(namespace, name, version string, context json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(version))
	h.Write([]byte{0})
	h.Write(context)
	return hex.EncodeToString(h.Sum(nil))
}
