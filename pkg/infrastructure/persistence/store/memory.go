package store

import (
	"context"
	"sync"
	"time"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
)

// MemoryStore is an in-process, mutex-guarded fake implementing Store,
// used by orchestration-core unit and scenario tests in place of a real
// database. It is not a general-purpose embedded store; see BboltStore for
// that.
type MemoryStore struct {
	mu sync.Mutex

	tasks       map[task.ID]*taskRow
	steps       map[task.ID]*stepRow
	stepOrder   []task.ID // creation order, per step; preserved for deterministic snapshot ordering
	edges       []task.WorkflowStepEdge
	taskTrans   map[task.ID][]task.TaskTransition
	stepTrans   map[task.ID][]task.WorkflowStepTransition
	workQueue   map[string]workQueueRow // key: taskID|reason
	taskLocks   map[task.ID]*sync.Mutex

	namespacesByName map[string]task.TaskNamespace
	namedTasks       map[task.ID]task.NamedTask
	namedSteps       map[task.ID]task.NamedStep
	namedTaskSteps   map[task.ID][]task.NamedTaskStep // keyed by NamedTaskID
}

type taskRow struct {
	Task  task.Task
	State task.TaskState
}

type stepRow struct {
	Step  task.WorkflowStep
	Name  string
	State task.StepState
}

type workQueueRow struct {
	TaskID    task.ID
	Reason    string
	VisibleAt time.Time
	Enqueued  time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:            make(map[task.ID]*taskRow),
		steps:            make(map[task.ID]*stepRow),
		taskTrans:        make(map[task.ID][]task.TaskTransition),
		stepTrans:        make(map[task.ID][]task.WorkflowStepTransition),
		workQueue:        make(map[string]workQueueRow),
		taskLocks:        make(map[task.ID]*sync.Mutex),
		namespacesByName: make(map[string]task.TaskNamespace),
		namedTasks:       make(map[task.ID]task.NamedTask),
		namedSteps:       make(map[task.ID]task.NamedStep),
		namedTaskSteps:   make(map[task.ID][]task.NamedTaskStep),
	}
}

// RegisterNamedTask upserts the namespace, NamedTask, NamedSteps, and their
// join rows. Idempotent: calling it again with the same NamedTask.ID
// replaces the prior definition (a registry re-registration with Replace).
func (s *MemoryStore) RegisterNamedTask(ctx context.Context, namespace task.TaskNamespace, nt task.NamedTask, namedSteps []task.NamedStep, joins []task.NamedTaskStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.namespacesByName[namespace.Name]; !ok {
		s.namespacesByName[namespace.Name] = namespace
	}
	s.namedTasks[nt.ID] = nt
	for _, ns := range namedSteps {
		s.namedSteps[ns.ID] = ns
	}
	s.namedTaskSteps[nt.ID] = joins
	return nil
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                    { return nil }

func (s *MemoryStore) lockFor(id task.ID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.taskLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.taskLocks[id] = l
	}
	return l
}

func (s *MemoryStore) WithTaskLock(ctx context.Context, taskID task.ID, fn func(ctx context.Context) error) error {
	l := s.lockFor(taskID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// AddStepName lets tests register the display name backing a step's
// NamedStep join, since MemoryStore doesn't model the full named_steps
// table.
func (s *MemoryStore) AddStepName(stepID task.ID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.steps[stepID]; ok {
		r.Name = name
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, t task.Task, steps []task.WorkflowStep, edges []task.WorkflowStepEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IdentityHash != "" {
		for _, existing := range s.tasks {
			if existing.Task.IdentityHash == t.IdentityHash {
				return orcherrors.New(orcherrors.CodeAlreadyExists, "store",
					"a task with the same identity hash already exists", nil)
			}
		}
	}

	s.tasks[t.ID] = &taskRow{Task: t, State: task.TaskPending}
	s.taskTrans[t.ID] = append(s.taskTrans[t.ID], task.TaskTransition{
		ID: task.NewID(), TaskID: t.ID, FromState: "", ToState: task.TaskPending,
		SortKey: 1, MostRecent: true, CreatedAt: time.Now(),
	})

	for _, step := range steps {
		st := step
		name := s.namedSteps[st.NamedStepID].Name
		s.steps[st.ID] = &stepRow{Step: st, Name: name, State: task.StepPending}
		s.stepOrder = append(s.stepOrder, st.ID)
		s.stepTrans[st.ID] = append(s.stepTrans[st.ID], task.WorkflowStepTransition{
			ID: task.NewID(), StepID: st.ID, FromState: "", ToState: task.StepPending,
			SortKey: 1, MostRecent: true, CreatedAt: time.Now(),
		})
	}
	s.edges = append(s.edges, edges...)
	return nil
}

func (s *MemoryStore) TaskExecutionSnapshot(ctx context.Context, taskID task.ID) (evaluator.TaskSnapshot, error) {
	snaps, err := s.TaskExecutionSnapshots(ctx, []task.ID{taskID})
	if err != nil {
		return evaluator.TaskSnapshot{}, err
	}
	if len(snaps) == 0 {
		return evaluator.TaskSnapshot{}, orcherrors.New(orcherrors.CodeNotFound, "store", "task not found", nil)
	}
	return snaps[0], nil
}

func (s *MemoryStore) TaskExecutionSnapshots(ctx context.Context, taskIDs []task.ID) ([]evaluator.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]evaluator.TaskSnapshot, 0, len(taskIDs))
	for _, id := range taskIDs {
		tr, ok := s.tasks[id]
		if !ok {
			continue
		}
		snap := evaluator.TaskSnapshot{TaskID: id, TaskState: tr.State}
		for _, stepID := range s.stepOrder {
			sr, ok := s.steps[stepID]
			if !ok || sr.Step.TaskID != id {
				continue
			}
			ss := evaluator.StepSnapshot{
				StepID:          sr.Step.ID,
				Name:            sr.Name,
				State:           sr.State,
				Retryable:       sr.Step.Retryable,
				RetryLimit:      sr.Step.RetryLimit,
				Attempts:        sr.Step.Attempts,
				InProcess:       sr.Step.InProcess,
				Skippable:       sr.Step.Skippable,
				LastAttemptedAt: sr.Step.LastAttemptedAt,
				BackoffSeconds:  sr.Step.BackoffRequestSeconds,
				NextRetryAt:     sr.Step.NextRetryAt,
				Results:         sr.Step.Results,
			}
			for _, e := range s.edges {
				if e.ToStepID == sr.Step.ID {
					ss.Dependencies = append(ss.Dependencies, e.FromStepID)
				}
			}
			snap.Steps = append(snap.Steps, ss)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemoryStore) ClaimStep(ctx context.Context, stepID task.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.steps[stepID]
	if !ok {
		return false, orcherrors.New(orcherrors.CodeNotFound, "store", "step not found", nil)
	}
	if sr.Step.InProcess || (sr.State != task.StepPending && sr.State != task.StepError) {
		return false, nil
	}
	sr.Step.InProcess = true
	return true, nil
}

func (s *MemoryStore) ReleaseStep(ctx context.Context, stepID task.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.steps[stepID]; ok {
		sr.Step.InProcess = false
	}
	return nil
}

func (s *MemoryStore) TransitionStep(ctx context.Context, stepID task.ID, from, to task.StepState, metadata []byte, update StepUpdate) error {
	if !task.StepMachine.Allowed(from, to) {
		return orcherrors.New(orcherrors.CodeGuardFailed, "store", "illegal step transition", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.steps[stepID]
	if !ok {
		return orcherrors.New(orcherrors.CodeNotFound, "store", "step not found", nil)
	}
	if sr.State != from {
		// Idempotent variant: already in the target state is a no-op success,
		// so handler callbacks and reenqueue consumers can retry safely.
		if sr.State == to {
			return nil
		}
		return orcherrors.New(orcherrors.CodeStaleSnapshot, "store",
			"step state changed since it was read", nil)
	}
	// A handler that outlives its task's cancellation runs to completion, but
	// its result is discarded here: the completion commit is rejected.
	if to == task.StepComplete {
		if tr, ok := s.tasks[sr.Step.TaskID]; ok && tr.State == task.TaskCancelled {
			return orcherrors.New(orcherrors.CodeGuardFailed, "store",
				"task is cancelled, step completion rejected", nil)
		}
	}

	trans := s.stepTrans[stepID]
	for i := range trans {
		trans[i].MostRecent = false
	}
	sortKey := int64(len(trans) + 1)
	trans = append(trans, task.WorkflowStepTransition{
		ID: task.NewID(), StepID: stepID, FromState: from, ToState: to, Metadata: metadata,
		SortKey: sortKey, MostRecent: true, CreatedAt: time.Now(),
	})
	s.stepTrans[stepID] = trans

	sr.State = to
	if update.IncrementAttempts {
		sr.Step.Attempts++
	}
	if update.LastAttemptedAt != nil {
		sr.Step.LastAttemptedAt = update.LastAttemptedAt
	}
	if update.BackoffSeconds != nil {
		sr.Step.BackoffRequestSeconds = update.BackoffSeconds
	}
	if update.NextRetryAt != nil {
		sr.Step.NextRetryAt = update.NextRetryAt
	}
	if update.Results != nil {
		sr.Step.Results = update.Results
	}
	if update.ClearInProcess {
		sr.Step.InProcess = false
	}
	if update.SetRetryable != nil {
		sr.Step.Retryable = *update.SetRetryable
	}
	if update.MarkProcessed {
		sr.Step.Processed = true
		now := time.Now()
		sr.Step.ProcessedAt = &now
	}
	return nil
}

func (s *MemoryStore) TransitionTask(ctx context.Context, taskID task.ID, from, to task.TaskState, metadata []byte) error {
	if !task.TaskMachine.Allowed(from, to) {
		return orcherrors.New(orcherrors.CodeGuardFailed, "store", "illegal task transition", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.tasks[taskID]
	if !ok {
		return orcherrors.New(orcherrors.CodeNotFound, "store", "task not found", nil)
	}
	if tr.State != from {
		if tr.State == to {
			return nil
		}
		return orcherrors.New(orcherrors.CodeStaleSnapshot, "store",
			"task state changed since it was read", nil)
	}

	trans := s.taskTrans[taskID]
	for i := range trans {
		trans[i].MostRecent = false
	}
	sortKey := int64(len(trans) + 1)
	trans = append(trans, task.TaskTransition{
		ID: task.NewID(), TaskID: taskID, FromState: from, ToState: to, Metadata: metadata,
		SortKey: sortKey, MostRecent: true, CreatedAt: time.Now(),
	})
	s.taskTrans[taskID] = trans

	tr.State = to
	tr.Task.Complete = to == task.TaskComplete
	return nil
}

func (s *MemoryStore) EnqueueReenqueue(ctx context.Context, taskID task.ID, reason string, visibleAt time.Time, debounce time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskID.String() + "|" + reason
	now := time.Now()
	if existing, ok := s.workQueue[key]; ok && now.Sub(existing.Enqueued) < debounce {
		return false, nil
	}
	s.workQueue[key] = workQueueRow{TaskID: taskID, Reason: reason, VisibleAt: visibleAt, Enqueued: now}
	return true, nil
}

func (s *MemoryStore) ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]task.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.ID
	for key, row := range s.workQueue {
		if len(out) >= limit {
			break
		}
		if !row.VisibleAt.After(now) {
			out = append(out, row.TaskID)
			delete(s.workQueue, key)
		}
	}
	return out, nil
}

// ResetTask is an administrative reset: every step returns to pending with
// attempts, results, and backoff cleared, and the task itself returns to
// pending, producing a fresh, independent execution trace on the next drive.
// It deliberately bypasses the state machines (complete is terminal for
// normal operation) but preserves the audit-log invariants: each reset
// appends a new transition row with a monotonic sort key and exactly one
// most_recent per entity.
func (s *MemoryStore) ResetTask(ctx context.Context, taskID task.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.tasks[taskID]
	if !ok {
		return orcherrors.New(orcherrors.CodeNotFound, "store", "task not found", nil)
	}

	now := time.Now()
	for _, stepID := range s.stepOrder {
		sr, ok := s.steps[stepID]
		if !ok || sr.Step.TaskID != taskID {
			continue
		}
		trans := s.stepTrans[stepID]
		for i := range trans {
			trans[i].MostRecent = false
		}
		s.stepTrans[stepID] = append(trans, task.WorkflowStepTransition{
			ID: task.NewID(), StepID: stepID, FromState: sr.State, ToState: task.StepPending,
			Metadata: []byte(`{"reason":"reset"}`), SortKey: int64(len(trans) + 1), MostRecent: true, CreatedAt: now,
		})
		sr.State = task.StepPending
		sr.Step.Attempts = 0
		sr.Step.InProcess = false
		sr.Step.Processed = false
		sr.Step.ProcessedAt = nil
		sr.Step.LastAttemptedAt = nil
		sr.Step.BackoffRequestSeconds = nil
		sr.Step.NextRetryAt = nil
		sr.Step.Results = nil
	}

	taskTrans := s.taskTrans[taskID]
	for i := range taskTrans {
		taskTrans[i].MostRecent = false
	}
	s.taskTrans[taskID] = append(taskTrans, task.TaskTransition{
		ID: task.NewID(), TaskID: taskID, FromState: tr.State, ToState: task.TaskPending,
		Metadata: []byte(`{"reason":"reset"}`), SortKey: int64(len(taskTrans) + 1), MostRecent: true, CreatedAt: now,
	})
	tr.State = task.TaskPending
	tr.Task.Complete = false
	return nil
}

// memorySnapshot is the JSON-serializable projection of MemoryStore's state,
// used by BboltStore to persist it to disk.
type memorySnapshot struct {
	Tasks          map[task.ID]*taskRow                      `json:"tasks"`
	Steps          map[task.ID]*stepRow                       `json:"steps"`
	StepOrder      []task.ID                                  `json:"step_order"`
	Edges          []task.WorkflowStepEdge                    `json:"edges"`
	TaskTrans      map[task.ID][]task.TaskTransition          `json:"task_transitions"`
	StepTrans      map[task.ID][]task.WorkflowStepTransition  `json:"step_transitions"`
	WorkQueue      map[string]workQueueRow                    `json:"work_queue"`
	Namespaces     map[string]task.TaskNamespace               `json:"namespaces"`
	NamedTasks     map[task.ID]task.NamedTask                  `json:"named_tasks"`
	NamedSteps     map[task.ID]task.NamedStep                  `json:"named_steps"`
	NamedTaskSteps map[task.ID][]task.NamedTaskStep            `json:"named_task_steps"`
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memorySnapshot{
		Tasks:          s.tasks,
		Steps:          s.steps,
		StepOrder:      s.stepOrder,
		Edges:          s.edges,
		TaskTrans:      s.taskTrans,
		StepTrans:      s.stepTrans,
		WorkQueue:      s.workQueue,
		Namespaces:     s.namespacesByName,
		NamedTasks:     s.namedTasks,
		NamedSteps:     s.namedSteps,
		NamedTaskSteps: s.namedTaskSteps,
	}
}

func (s *MemoryStore) restoreFrom(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Tasks != nil {
		s.tasks = snap.Tasks
	}
	if snap.Steps != nil {
		s.steps = snap.Steps
	}
	if snap.StepOrder != nil {
		s.stepOrder = snap.StepOrder
	}
	s.edges = snap.Edges
	if snap.TaskTrans != nil {
		s.taskTrans = snap.TaskTrans
	}
	if snap.Namespaces != nil {
		s.namespacesByName = snap.Namespaces
	}
	if snap.NamedTasks != nil {
		s.namedTasks = snap.NamedTasks
	}
	if snap.NamedSteps != nil {
		s.namedSteps = snap.NamedSteps
	}
	if snap.NamedTaskSteps != nil {
		s.namedTaskSteps = snap.NamedTaskSteps
	}
	if snap.StepTrans != nil {
		s.stepTrans = snap.StepTrans
	}
	if snap.WorkQueue != nil {
		s.workQueue = snap.WorkQueue
	}
}
