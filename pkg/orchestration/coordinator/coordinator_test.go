package coordinator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/orchestration"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
	"github.com/taskflow-io/engine/pkg/orchestration/executor"
	"github.com/taskflow-io/engine/pkg/orchestration/handlers"
	"github.com/taskflow-io/engine/pkg/orchestration/reenqueue"
	"github.com/taskflow-io/engine/pkg/orchestration/registry"
	"github.com/taskflow-io/engine/pkg/orchestration/retrypolicy"
)

// End-to-end scenario tests driving whole tasks through the coordinator
// against the in-memory store and a synchronous reenqueuer, so they run
// deterministically without a real database.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPolicy keeps backoff windows in the low milliseconds so scenario
// tests involving retries don't sleep for real seconds.
func fastPolicy() *retrypolicy.Policy {
	return &retrypolicy.Policy{Base: 5 * time.Millisecond, Cap: 50 * time.Millisecond}
}

// harness wires a Coordinator, Engine, and in-memory Store/Registry
// together the way a worker process would, but with a SyncScheduler
// driving coordinator passes in the calling goroutine instead of a durable
// work queue.
type harness struct {
	store  *store.MemoryStore
	events *eventbus.Bus
	coord  *Coordinator
	engine *orchestration.Engine

	mu       sync.Mutex
	recorded []string
}

func (h *harness) record(eventType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorded = append(h.recorded, eventType)
}

// recordedCount returns how many events of the given type were observed.
func (h *harness) recordedCount(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.recorded {
		if e == eventType {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, handlerClasses map[string]executor.Handler, stepConfigs map[string]StepConfig) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	reg := registry.New()
	for class, h := range handlerClasses {
		reg.Register(class, h)
	}

	h := &harness{store: st, events: eventbus.New(discardLogger())}

	ex := executor.New(st, reg.Resolve, discardLogger())
	ex.Policy = fastPolicy()
	ex.Concurrency = 4
	ex.Events = h.events

	recorder := func(ctx context.Context, e eventbus.Event) error {
		h.record(e.EventType())
		return nil
	}
	for _, eventType := range []string{
		eventbus.TypeStepStarted, eventbus.TypeStepCompleted, eventbus.TypeStepFailed,
		eventbus.TypeStepCancelled, eventbus.TypeTaskCompleted, eventbus.TypeTaskFailed,
		eventbus.TypeTaskCancelled,
	} {
		h.events.Subscribe(eventType, recorder)
	}

	coord := New(st, ex, func(name string) (StepConfig, bool) {
		cfg, ok := stepConfigs[name]
		return cfg, ok
	}, nil, h.events, discardLogger())
	coord.Policy = fastPolicy()
	scheduler := reenqueue.NewSyncScheduler(coord)
	scheduler.Immediate = false
	coord.Scheduler = scheduler
	h.coord = coord

	taskReg := registry.NewTaskRegistry()
	// No Dispatcher wired on the Engine: a coordinator pass can block for
	// the whole lifetime of a task (the cancellation test's handler waits on
	// an external signal), so tests drive Coordinator.Run themselves in a
	// background goroutine rather than inline inside Submit.
	h.engine = orchestration.New(st, taskReg, h.events, nil, discardLogger())

	return h
}

// submit materializes and persists a task, then kicks off its first
// coordinator pass in the background — mirroring how reenqueue.Sweeper
// hands a newly-visible task back to the coordinator in production,
// without letting a long-running handler block the calling goroutine.
func (h *harness) submit(t *testing.T, namespace, name string, tmpl task.TaskTemplate) task.ID {
	t.Helper()
	taskRegFactory := taskRegistryFactoryFor(tmpl)
	v := mustSemver(t, "1.0.0")
	if err := h.engine.Registry.Register(namespace, name, v, taskRegFactory, registry.Options{}); err != nil {
		t.Fatalf("register task: %v", err)
	}
	id, err := h.engine.Submit(context.Background(), orchestration.TaskRequest{
		Namespace: namespace, Name: name, Version: v, Context: []byte(`{}`), Initiator: "scenario-test",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		_ = h.coord.Run(context.Background(), id)
	}()
	return id
}

// awaitTerminal polls until the task reaches a terminal state (complete,
// cancelled, or resolved_manually — TaskError is excluded since it may
// still re-enter in_progress via reenqueue), failing the test if it never
// does.
func (h *harness) awaitTerminal(t *testing.T, id task.ID) task.TaskState {
	t.Helper()
	return h.awaitState(t, id, func(s task.TaskState) bool {
		return s == task.TaskComplete || s == task.TaskCancelled || s == task.TaskResolvedManually
	})
}

// awaitState polls until want(currentState) is true, failing the test if it
// never becomes true within the deadline.
func (h *harness) awaitState(t *testing.T, id task.ID, want func(task.TaskState) bool) task.TaskState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last task.TaskState
	for time.Now().Before(deadline) {
		s, err := h.store.TaskExecutionSnapshot(context.Background(), id)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		last = s.TaskState
		if want(last) {
			return last
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task did not reach the expected state within deadline, last observed: %s", last)
	return ""
}

func taskRegistryFactoryFor(tmpl task.TaskTemplate) registry.Factory {
	return registry.FactoryFunc(func() (task.TaskTemplate, error) { return tmpl, nil })
}

func mustSemver(t *testing.T, v string) *semver.Version {
	t.Helper()
	ver, err := semver.NewVersion(v)
	if err != nil {
		t.Fatalf("parse semver: %v", err)
	}
	return ver
}

// Linear DAG, all steps succeed.
func TestLinearDAGAllStepsSucceed(t *testing.T) {
	h := newHarness(t, map[string]executor.Handler{
		"echo.a": handlers.Echo(),
		"echo.b": handlers.Echo(),
		"echo.c": handlers.Echo(),
	}, map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "echo.b"},
		"c": {HandlerClass: "echo.c"},
	})

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "linear",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.b"},
			{Name: "c", Dependencies: []string{"b"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.c"},
		},
	}
	taskID := h.submit(t, "scenario", "linear", tmpl)

	if got := h.awaitTerminal(t, taskID); got != task.TaskComplete {
		t.Fatalf("expected task complete, got %s", got)
	}
	snap, err := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, s := range snap.Steps {
		if s.State != task.StepComplete {
			t.Fatalf("expected step %s complete, got %s", s.Name, s.State)
		}
	}

	if n := h.recordedCount(eventbus.TypeTaskCompleted); n != 1 {
		t.Fatalf("expected exactly one task.completed event, got %d", n)
	}
	if n := h.recordedCount(eventbus.TypeStepCompleted); n != 3 {
		t.Fatalf("expected three step.completed events, got %d", n)
	}
}

// Diamond DAG with a transient failure: B fails twice then succeeds, C runs
// independently, D waits for both.
func TestDiamondDAGTransientFailureRecovers(t *testing.T) {
	flaky := handlers.FlakyUntilAttempt(3)
	h := newHarness(t, map[string]executor.Handler{
		"echo.a":  handlers.Echo(),
		"flaky.b": flaky,
		"echo.c":  handlers.Echo(),
		"echo.d":  handlers.Echo(),
	}, map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "flaky.b"},
		"c": {HandlerClass: "echo.c"},
		"d": {HandlerClass: "echo.d"},
	})

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "diamond",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "flaky.b"},
			{Name: "c", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.c"},
			{Name: "d", Dependencies: []string{"b", "c"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.d"},
		},
	}
	taskID := h.submit(t, "scenario", "diamond", tmpl)

	if got := h.awaitTerminal(t, taskID); got != task.TaskComplete {
		t.Fatalf("expected task complete, got %s", got)
	}

	s, _ := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	var bAttempts int
	var bState, dState task.StepState
	for _, step := range s.Steps {
		switch step.Name {
		case "b":
			bAttempts = step.Attempts
			bState = step.State
		case "d":
			dState = step.State
		}
	}
	if bAttempts != 3 {
		t.Fatalf("expected b to have 3 attempts, got %d", bAttempts)
	}
	if bState != task.StepComplete {
		t.Fatalf("expected b to end complete, got %s", bState)
	}
	if dState != task.StepComplete {
		t.Fatalf("expected d to end complete, got %s", dState)
	}
}

// Permanent failure: B fails permanently on first attempt; D never runs;
// the task ends in error referencing B.
func TestPermanentFailureFailsTask(t *testing.T) {
	h := newHarness(t, map[string]executor.Handler{
		"echo.a": handlers.Echo(),
		"bad.b":  handlers.AlwaysFails("unrecoverable"),
		"echo.d": handlers.Echo(),
	}, map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "bad.b"},
		"d": {HandlerClass: "echo.d"},
	})

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "permanent",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "bad.b"},
			{Name: "d", Dependencies: []string{"b"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.d"},
		},
	}
	taskID := h.submit(t, "scenario", "permanent", tmpl)

	if got := h.awaitState(t, taskID, func(s task.TaskState) bool { return s == task.TaskError }); got != task.TaskError {
		t.Fatalf("expected task to end error, got %s", got)
	}

	s, _ := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	for _, step := range s.Steps {
		switch step.Name {
		case "b":
			if step.Attempts != 1 {
				t.Fatalf("expected b.attempts == 1, got %d", step.Attempts)
			}
			if step.State != task.StepError {
				t.Fatalf("expected b terminal error, got %s", step.State)
			}
		case "d":
			if step.State != task.StepPending {
				t.Fatalf("expected d to never run, got %s", step.State)
			}
		}
	}
}

// Cancellation mid-flight: an external actor cancels the task while a
// step is in progress. The step's completion guard must fail once it
// finishes, discarding the result; the task's final state is cancelled.
func TestCancellationDiscardsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	blockingHandler := executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		<-release
		return executor.HandlerResult{Success: true, Data: []byte(`{}`)}, nil
	})

	h := newHarness(t, map[string]executor.Handler{
		"echo.a":  handlers.Echo(),
		"block.b": blockingHandler,
	}, map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "block.b"},
	})

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "cancel-mid-flight",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "block.b"},
		},
	}
	taskID := h.submit(t, "scenario", "cancel-mid-flight", tmpl)

	// Wait for step b to be claimed (in_progress) before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.store.TaskExecutionSnapshot(context.Background(), taskID)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		for _, step := range s.Steps {
			if step.Name == "b" && step.State == task.StepInProgress {
				goto cancel
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("step b never reached in_progress")

cancel:
	if err := h.engine.Cancel(context.Background(), taskID, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	// Give the blocked handler a moment to finish and attempt its commit.
	time.Sleep(50 * time.Millisecond)

	s, err := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.TaskState != task.TaskCancelled {
		t.Fatalf("expected task to remain cancelled, got %s", s.TaskState)
	}
	for _, step := range s.Steps {
		if step.Name == "b" {
			if step.State != task.StepCancelled {
				t.Fatalf("expected b to settle as cancelled with its result discarded, got %s", step.State)
			}
			if step.Results != nil {
				t.Fatalf("expected b's result to be discarded, got %s", step.Results)
			}
		}
	}
	if n := h.recordedCount(eventbus.TypeTaskCancelled); n != 1 {
		t.Fatalf("expected exactly one task.cancelled event, got %d", n)
	}

	// Cancelling again is an idempotent no-op: no second event.
	if err := h.engine.Cancel(context.Background(), taskID, "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if n := h.recordedCount(eventbus.TypeTaskCancelled); n != 1 {
		t.Fatalf("expected cancel to stay idempotent, got %d task.cancelled events", n)
	}
}

// captureScheduler records schedule requests without re-dispatching, so a
// test can assert on the delay the coordinator handed to the reenqueuer.
type captureScheduler struct {
	mu       sync.Mutex
	requests []capturedSchedule
	notify   chan struct{}
}

type capturedSchedule struct {
	TaskID task.ID
	Delay  time.Duration
	Reason reenqueue.Reason
}

func newCaptureScheduler() *captureScheduler {
	return &captureScheduler{notify: make(chan struct{}, 16)}
}

func (c *captureScheduler) Schedule(ctx context.Context, taskID task.ID, delay time.Duration, reason reenqueue.Reason) error {
	c.mu.Lock()
	c.requests = append(c.requests, capturedSchedule{TaskID: taskID, Delay: delay, Reason: reason})
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *captureScheduler) await(t *testing.T) capturedSchedule {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never handed the task to the reenqueuer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

// Server-suggested backoff: the handler's requested 5s window is used
// verbatim (no jitter), and the reenqueuer is asked to come back at that
// instant rather than per the exponential formula.
func TestServerSuggestedBackoffOverridesPolicy(t *testing.T) {
	h := newHarness(t, map[string]executor.Handler{
		"echo.a":    handlers.Echo(),
		"backoff.b": handlers.SuggestBackoff(5),
	}, map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "backoff.b"},
	})
	capture := newCaptureScheduler()
	h.coord.Scheduler = capture

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "suggested-backoff",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "backoff.b"},
		},
	}
	taskID := h.submit(t, "scenario", "suggested-backoff", tmpl)

	got := capture.await(t)
	if got.Reason != reenqueue.ReasonRetryBackoff {
		t.Fatalf("expected a retry_backoff reenqueue, got %s", got.Reason)
	}
	if got.Delay <= 4*time.Second || got.Delay > 5*time.Second {
		t.Fatalf("expected the reenqueue delay to track the 5s server-suggested window, got %s", got.Delay)
	}

	snap, err := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	taskCtx := evaluator.Evaluate(snap, time.Now(), fastPolicy())
	for _, status := range taskCtx.AllStatuses {
		if status.Name != "b" {
			continue
		}
		if status.NextAttemptAt == nil {
			t.Fatal("expected b to carry a next attempt time")
		}
		var lastAttempted time.Time
		for _, step := range snap.Steps {
			if step.Name == "b" {
				if step.LastAttemptedAt == nil {
					t.Fatal("expected b to record last_attempted_at")
				}
				lastAttempted = *step.LastAttemptedAt
			}
		}
		// Server-suggested backoff is exact: no jitter, no exponential.
		want := lastAttempted.Add(5 * time.Second)
		if !status.NextAttemptAt.Equal(want) {
			t.Fatalf("expected next_retry_at %s, got %s", want, status.NextAttemptAt)
		}
	}
}

// checksumHandler returns a result that is a pure function of the step's
// inputs, and counts its invocations per step name.
func checksumHandler(counts map[string]int, mu *sync.Mutex) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		mu.Lock()
		counts[sc.Step.ID.String()]++
		mu.Unlock()
		sum := sha256.Sum256(sc.Step.Inputs)
		data, _ := json.Marshal(map[string]string{"checksum": hex.EncodeToString(sum[:])})
		return executor.HandlerResult{Success: true, Data: data}, nil
	})
}

// Reset and re-execute: a deterministic step produces byte-identical
// results on the second run, and the execution counter records two runs per
// step.
func TestResetAndReexecuteIsDeterministic(t *testing.T) {
	counts := make(map[string]int)
	var mu sync.Mutex
	h := newHarness(t, map[string]executor.Handler{
		"checksum": checksumHandler(counts, &mu),
	}, map[string]StepConfig{
		"a": {HandlerClass: "checksum"},
		"b": {HandlerClass: "checksum"},
		"c": {HandlerClass: "checksum"},
	})

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "reset-rerun",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "checksum"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "checksum"},
			{Name: "c", Dependencies: []string{"b"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "checksum"},
		},
	}
	taskID := h.submit(t, "scenario", "reset-rerun", tmpl)
	if got := h.awaitTerminal(t, taskID); got != task.TaskComplete {
		t.Fatalf("expected first run to complete, got %s", got)
	}

	first := make(map[string][]byte)
	snap, err := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, s := range snap.Steps {
		first[s.Name] = append([]byte(nil), s.Results...)
	}

	if err := h.store.ResetTask(context.Background(), taskID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	go func() {
		_ = h.coord.Run(context.Background(), taskID)
	}()
	if got := h.awaitTerminal(t, taskID); got != task.TaskComplete {
		t.Fatalf("expected re-run to complete, got %s", got)
	}

	snap, err = h.store.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, s := range snap.Steps {
		if !bytes.Equal(first[s.Name], s.Results) {
			t.Fatalf("expected deterministic step %s to produce byte-identical results, got %s then %s",
				s.Name, first[s.Name], s.Results)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for stepID, n := range counts {
		if n != 2 {
			t.Fatalf("expected step %s to run exactly twice across the two drives, ran %d times", stepID, n)
		}
	}
	if len(counts) != 3 {
		t.Fatalf("expected 3 steps to have run, got %d", len(counts))
	}
}

// Drives a whole task against the bbolt-backed store. BboltStore must
// serialize passes with a per-task lock, not the data mutex its own methods
// take: a coordinator pass calls straight back into the store from inside
// WithTaskLock, so holding the data mutex there self-deadlocks on the very
// first snapshot.
func TestCoordinatorCompletesTaskAgainstBboltStore(t *testing.T) {
	st, err := store.NewBboltStore(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	defer st.Close()

	reg := registry.New()
	reg.Register("echo.a", handlers.Echo())
	reg.Register("echo.b", handlers.Echo())

	events := eventbus.New(discardLogger())
	ex := executor.New(st, reg.Resolve, discardLogger())
	ex.Policy = fastPolicy()
	ex.Events = events

	stepConfigs := map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "echo.b"},
	}
	coord := New(st, ex, func(name string) (StepConfig, bool) {
		cfg, ok := stepConfigs[name]
		return cfg, ok
	}, nil, events, discardLogger())
	coord.Policy = fastPolicy()
	coord.Scheduler = reenqueue.NewSyncScheduler(coord)

	taskReg := registry.NewTaskRegistry()
	engine := orchestration.New(st, taskReg, events, nil, discardLogger())

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "embedded-store",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.b"},
		},
	}
	v := mustSemver(t, "1.0.0")
	if err := taskReg.Register("scenario", "embedded-store", v, taskRegistryFactoryFor(tmpl), registry.Options{}); err != nil {
		t.Fatalf("register task: %v", err)
	}
	taskID, err := engine.Submit(context.Background(), orchestration.TaskRequest{
		Namespace: "scenario", Name: "embedded-store", Version: v, Context: []byte(`{}`), Initiator: "bbolt-test",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := coord.Run(context.Background(), taskID); err != nil {
		t.Fatalf("coordinator pass against bbolt store: %v", err)
	}

	snap, err := st.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TaskState != task.TaskComplete {
		t.Fatalf("expected task complete, got %s", snap.TaskState)
	}
	for _, s := range snap.Steps {
		if s.State != task.StepComplete {
			t.Fatalf("expected step %s complete, got %s", s.Name, s.State)
		}
	}
}

// A skippable step that exhausts its retries is resolved as skipped and does
// not block the task: its dependents see a satisfied parent and the task
// finishes complete.
func TestSkippableStepDoesNotBlockCompletion(t *testing.T) {
	h := newHarness(t, map[string]executor.Handler{
		"echo.a":  handlers.Echo(),
		"flaky.b": handlers.FlakyUntilAttempt(99),
		"echo.c":  handlers.Echo(),
	}, map[string]StepConfig{
		"a": {HandlerClass: "echo.a"},
		"b": {HandlerClass: "flaky.b"},
		"c": {HandlerClass: "echo.c"},
	})

	tmpl := task.TaskTemplate{
		Namespace: "scenario", Name: "skippable",
		Steps: []task.StepTemplate{
			{Name: "a", DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.a"},
			{Name: "b", Dependencies: []string{"a"}, Skippable: true, DefaultRetryable: true, DefaultRetryLimit: 2, HandlerClass: "flaky.b"},
			{Name: "c", Dependencies: []string{"b"}, DefaultRetryable: true, DefaultRetryLimit: 3, HandlerClass: "echo.c"},
		},
	}
	taskID := h.submit(t, "scenario", "skippable", tmpl)

	if got := h.awaitTerminal(t, taskID); got != task.TaskComplete {
		t.Fatalf("expected task to complete despite the skippable failure, got %s", got)
	}

	snap, err := h.store.TaskExecutionSnapshot(context.Background(), taskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, s := range snap.Steps {
		switch s.Name {
		case "b":
			if s.State != task.StepResolvedManually {
				t.Fatalf("expected exhausted skippable b to be resolved as skipped, got %s", s.State)
			}
			if s.Attempts != 2 {
				t.Fatalf("expected b to exhaust its 2 attempts first, got %d", s.Attempts)
			}
		case "c":
			if s.State != task.StepComplete {
				t.Fatalf("expected c to run once b was skipped, got %s", s.State)
			}
		}
	}
}
