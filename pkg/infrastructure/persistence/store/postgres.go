package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
)

//go:embed schema.sql
var schemaSQL string

// Option configures a PostgresStore, following the functional-options shape
// used throughout the retrieved corpus's store constructors.
type Option func(*pgConfig)

type pgConfig struct {
	schemaOverride string
}

// WithSchema overrides the embedded DDL, primarily for tests that want a
// reduced schema.
func WithSchema(ddl string) Option {
	return func(c *pgConfig) { c.schemaOverride = ddl }
}

// PostgresStore is the production Store implementation, backed by a
// caller-owned pgxpool.Pool. The caller owns the pool's lifecycle except for
// Close, which also closes the pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// NewPostgresStore wraps an already-configured pgxpool.Pool. Callers
// typically build the pool from a DSN via pgxpool.New and pass it here.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	cfg := pgConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &PostgresStore{pool: pool, cfg: cfg}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	ddl := schemaSQL
	if s.cfg.schemaOverride != "" {
		ddl = s.cfg.schemaOverride
	}
	for _, stmt := range splitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return orcherrors.New(orcherrors.CodeIoError, "store", "failed to apply schema statement", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	return strings.Split(ddl, ";\n")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// WithTaskLock takes a Postgres advisory transaction lock keyed on the
// task id's hash, so at most one coordinator pass for a task runs at once
// across the whole fleet of workers, without a dedicated lock table.
func (s *PostgresStore) WithTaskLock(ctx context.Context, taskID task.ID, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	key := int64(lockKey(taskID))
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to acquire task lock", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to commit task-locked tx", err)
	}
	return nil
}

func lockKey(id task.ID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return h.Sum32()
}

// RegisterNamedTask upserts a NamedTask's namespace, the NamedTask row
// itself, its NamedSteps, and the NamedTaskStep join rows describing each
// step's per-template defaults, all inside one transaction.
func (s *PostgresStore) RegisterNamedTask(ctx context.Context, namespace task.TaskNamespace, nt task.NamedTask, namedSteps []task.NamedStep, joins []task.NamedTaskStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO task_namespaces (id, name, description) VALUES ($1,$2,$3)
		ON CONFLICT (name) DO NOTHING`,
		namespace.ID, namespace.Name, namespace.Description); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to upsert namespace", err)
	}

	config := nt.Configuration
	if config == nil {
		config = []byte(`{}`)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO named_tasks (id, namespace_id, name, version, configuration) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (namespace_id, name, version) DO UPDATE SET configuration = EXCLUDED.configuration`,
		nt.ID, nt.NamespaceID, nt.Name, nt.Version, config); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to upsert named task", err)
	}

	for _, ns := range namedSteps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO named_steps (id, dependent_system_id, name) VALUES ($1,$2,$3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
			ns.ID, ns.DependentSystemID, ns.Name); err != nil {
			return orcherrors.New(orcherrors.CodeIoError, "store", "failed to upsert named step", err)
		}
	}

	for _, j := range joins {
		deps, _ := json.Marshal(j.Dependencies)
		if _, err := tx.Exec(ctx, `
			INSERT INTO named_task_steps (named_task_id, named_step_id, skippable, default_retryable, default_retry_limit, dependencies, handler_class, handler_timeout_ms)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (named_task_id, named_step_id) DO UPDATE SET
				skippable = EXCLUDED.skippable,
				default_retryable = EXCLUDED.default_retryable,
				default_retry_limit = EXCLUDED.default_retry_limit,
				dependencies = EXCLUDED.dependencies,
				handler_class = EXCLUDED.handler_class,
				handler_timeout_ms = EXCLUDED.handler_timeout_ms`,
			j.NamedTaskID, j.NamedStepID, j.Skippable, j.DefaultRetryable, j.DefaultRetryLimit, deps, j.HandlerClass, j.HandlerTimeout.Milliseconds()); err != nil {
			return orcherrors.New(orcherrors.CodeIoError, "store", "failed to upsert named task step", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to commit RegisterNamedTask", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t task.Task, steps []task.WorkflowStep, edges []task.WorkflowStepEdge) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tags, _ := json.Marshal(t.Tags)
	if _, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, named_task_id, context, identity_hash, requested_at, initiator, reason, source_system, tags, complete, current_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',$11)`,
		t.ID, t.NamedTaskID, t.Context, t.IdentityHash, t.RequestedAt.Unix(), t.Initiator, t.Reason, t.SourceSystem, tags, t.Complete, t.CreatedAt.Unix()); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to insert task", err)
	}

	now := time.Now()
	if err := insertTransition(ctx, tx, "task_transitions", "task_id", t.ID, "", string(task.TaskPending), nil, 1, now); err != nil {
		return err
	}

	for i, step := range steps {
		if err := insertStep(ctx, tx, step, i); err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, "workflow_step_transitions", "step_id", step.ID, "", string(task.StepPending), nil, 1, now); err != nil {
			return err
		}
	}
	for _, edge := range edges {
		if _, err := tx.Exec(ctx, `INSERT INTO workflow_step_edges (from_step_id, to_step_id, name) VALUES ($1,$2,$3)`,
			edge.FromStepID, edge.ToStepID, edge.Name); err != nil {
			return orcherrors.New(orcherrors.CodeIoError, "store", "failed to insert edge", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to commit CreateTask", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx pgx.Tx, step task.WorkflowStep, index int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_steps (id, task_id, step_index, named_step_id, retryable, retry_limit, in_process, processed, attempts, inputs, results, skippable, current_state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'pending')`,
		step.ID, step.TaskID, index, step.NamedStepID, step.Retryable, step.RetryLimit, step.InProcess, step.Processed, step.Attempts, step.Inputs, step.Results, step.Skippable)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to insert step", err)
	}
	return nil
}

func insertTransition(ctx context.Context, tx pgx.Tx, table, idCol string, entityID task.ID, from, to string, metadata []byte, sortKey int64, now time.Time) error {
	if metadata == nil {
		metadata = []byte(`{}`)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, %s, from_state, to_state, metadata, sort_key, most_recent, created_at) VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7)`, table, idCol)
	_, err := tx.Exec(ctx, q, task.NewID(), entityID, from, to, metadata, sortKey, now.Unix())
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to insert transition", err)
	}
	return nil
}

func (s *PostgresStore) TaskExecutionSnapshot(ctx context.Context, taskID task.ID) (evaluator.TaskSnapshot, error) {
	snaps, err := s.TaskExecutionSnapshots(ctx, []task.ID{taskID})
	if err != nil {
		return evaluator.TaskSnapshot{}, err
	}
	if len(snaps) == 0 {
		return evaluator.TaskSnapshot{}, orcherrors.New(orcherrors.CodeNotFound, "store", "task not found", nil)
	}
	return snaps[0], nil
}

// TaskExecutionSnapshots reads every task in taskIDs with three set-based
// queries (task states, step rows with their denormalized current state,
// dependency edges), so the Readiness Evaluator's input costs no per-step
// round trips.
func (s *PostgresStore) TaskExecutionSnapshots(ctx context.Context, taskIDs []task.ID) ([]evaluator.TaskSnapshot, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	taskStates := make(map[task.ID]task.TaskState, len(taskIDs))
	taskRows, err := s.pool.Query(ctx, `SELECT id, current_state FROM tasks WHERE id = ANY($1)`, taskIDs)
	if err != nil {
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to query tasks", err)
	}
	for taskRows.Next() {
		var id task.ID
		var st string
		if err := taskRows.Scan(&id, &st); err != nil {
			taskRows.Close()
			return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to scan task", err)
		}
		taskStates[id] = task.TaskState(st)
	}
	taskRows.Close()

	rows, err := s.pool.Query(ctx, `
		SELECT ws.id, ws.task_id, ns.name, ws.current_state, ws.retryable, ws.retry_limit, ws.attempts,
		       ws.in_process, ws.skippable, ws.last_attempted_at, ws.backoff_request_seconds, ws.next_retry_at, ws.results
		FROM workflow_steps ws
		JOIN named_steps ns ON ns.id = ws.named_step_id
		WHERE ws.task_id = ANY($1)
		ORDER BY ws.task_id, ws.step_index`, taskIDs)
	if err != nil {
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to query steps", err)
	}
	defer rows.Close()

	byTask := make(map[task.ID][]evaluator.StepSnapshot)
	deps := make(map[task.ID][]task.ID)
	for rows.Next() {
		var s evaluator.StepSnapshot
		var taskID task.ID
		var st string
		var lastAttempted, nextRetry *int64
		if err := rows.Scan(&s.StepID, &taskID, &s.Name, &st, &s.Retryable, &s.RetryLimit, &s.Attempts,
			&s.InProcess, &s.Skippable, &lastAttempted, &s.BackoffSeconds, &nextRetry, &s.Results); err != nil {
			return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to scan step", err)
		}
		s.State = task.StepState(st)
		if lastAttempted != nil {
			t := time.Unix(*lastAttempted, 0)
			s.LastAttemptedAt = &t
		}
		if nextRetry != nil {
			t := time.Unix(*nextRetry, 0)
			s.NextRetryAt = &t
		}
		byTask[taskID] = append(byTask[taskID], s)
	}

	edgeRows, err := s.pool.Query(ctx, `
		SELECT e.to_step_id, e.from_step_id
		FROM workflow_step_edges e
		JOIN workflow_steps ws ON ws.id = e.to_step_id
		WHERE ws.task_id = ANY($1)`, taskIDs)
	if err != nil {
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to query edges", err)
	}
	for edgeRows.Next() {
		var to, from task.ID
		if err := edgeRows.Scan(&to, &from); err != nil {
			edgeRows.Close()
			return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to scan edge", err)
		}
		deps[to] = append(deps[to], from)
	}
	edgeRows.Close()

	out := make([]evaluator.TaskSnapshot, 0, len(taskIDs))
	for _, id := range taskIDs {
		steps := byTask[id]
		for i := range steps {
			steps[i].Dependencies = deps[steps[i].StepID]
		}
		out = append(out, evaluator.TaskSnapshot{TaskID: id, TaskState: taskStates[id], Steps: steps})
	}
	return out, nil
}

func (s *PostgresStore) ClaimStep(ctx context.Context, stepID task.ID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_steps SET in_process = TRUE
		WHERE id = $1 AND in_process = FALSE AND current_state IN ('pending','error')`, stepID)
	if err != nil {
		return false, orcherrors.New(orcherrors.CodeIoError, "store", "failed to claim step", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseStep(ctx context.Context, stepID task.ID) error {
	_, err := s.pool.Exec(ctx, `UPDATE workflow_steps SET in_process = FALSE WHERE id = $1`, stepID)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to release step", err)
	}
	return nil
}

func (s *PostgresStore) TransitionStep(ctx context.Context, stepID task.ID, from, to task.StepState, metadata []byte, update StepUpdate) error {
	if !task.StepMachine.Allowed(from, to) {
		return orcherrors.New(orcherrors.CodeGuardFailed, "store", "illegal step transition", nil)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stepState, taskState string
	if err := tx.QueryRow(ctx, `
		SELECT ws.current_state, t.current_state
		FROM workflow_steps ws
		JOIN tasks t ON t.id = ws.task_id
		WHERE ws.id = $1
		FOR UPDATE OF ws, t`, stepID).Scan(&stepState, &taskState); err != nil {
		if err == pgx.ErrNoRows {
			return orcherrors.New(orcherrors.CodeNotFound, "store", "step not found", nil)
		}
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to read step state", err)
	}
	if task.StepState(stepState) != from {
		// Idempotent variant: already in the target state is a no-op success,
		// so handler callbacks and reenqueue consumers can retry safely.
		if task.StepState(stepState) == to {
			return tx.Commit(ctx)
		}
		return orcherrors.New(orcherrors.CodeStaleSnapshot, "store",
			"step state changed since it was read", nil)
	}
	// A handler that outlives its task's cancellation runs to completion,
	// but its result is discarded here: the completion commit is rejected.
	if to == task.StepComplete && task.TaskState(taskState) == task.TaskCancelled {
		return orcherrors.New(orcherrors.CodeGuardFailed, "store",
			"task is cancelled, step completion rejected", nil)
	}

	var maxSort int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sort_key),0) FROM workflow_step_transitions WHERE step_id=$1`, stepID).Scan(&maxSort); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to read sort_key", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workflow_step_transitions SET most_recent = FALSE WHERE step_id=$1 AND most_recent`, stepID); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to clear most_recent", err)
	}
	if err := insertTransition(ctx, tx, "workflow_step_transitions", "step_id", stepID, string(from), string(to), metadata, maxSort+1, time.Now()); err != nil {
		return err
	}

	setClauses := []string{"current_state = $2"}
	args := []any{stepID, string(to)}
	idx := 3
	if update.IncrementAttempts {
		setClauses = append(setClauses, "attempts = attempts + 1")
	}
	if update.LastAttemptedAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("last_attempted_at = $%d", idx))
		args = append(args, update.LastAttemptedAt.Unix())
		idx++
	}
	if update.BackoffSeconds != nil {
		setClauses = append(setClauses, fmt.Sprintf("backoff_request_seconds = $%d", idx))
		args = append(args, *update.BackoffSeconds)
		idx++
	}
	if update.NextRetryAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("next_retry_at = $%d", idx))
		args = append(args, update.NextRetryAt.Unix())
		idx++
	}
	if update.Results != nil {
		setClauses = append(setClauses, fmt.Sprintf("results = $%d", idx))
		args = append(args, update.Results)
		idx++
	}
	if update.ClearInProcess {
		setClauses = append(setClauses, "in_process = FALSE")
	}
	if update.SetRetryable != nil {
		setClauses = append(setClauses, fmt.Sprintf("retryable = $%d", idx))
		args = append(args, *update.SetRetryable)
		idx++
	}
	if update.MarkProcessed {
		setClauses = append(setClauses, fmt.Sprintf("processed = TRUE, processed_at = $%d", idx))
		args = append(args, time.Now().Unix())
		idx++
	}
	q := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE id = $1", strings.Join(setClauses, ", "))
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to update step row", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to commit step transition", err)
	}
	return nil
}

func (s *PostgresStore) TransitionTask(ctx context.Context, taskID task.ID, from, to task.TaskState, metadata []byte) error {
	if !task.TaskMachine.Allowed(from, to) {
		return orcherrors.New(orcherrors.CodeGuardFailed, "store", "illegal task transition", nil)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	if err := tx.QueryRow(ctx, `SELECT current_state FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return orcherrors.New(orcherrors.CodeNotFound, "store", "task not found", nil)
		}
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to read task state", err)
	}
	if task.TaskState(current) != from {
		if task.TaskState(current) == to {
			return tx.Commit(ctx)
		}
		return orcherrors.New(orcherrors.CodeStaleSnapshot, "store",
			"task state changed since it was read", nil)
	}

	var maxSort int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sort_key),0) FROM task_transitions WHERE task_id=$1`, taskID).Scan(&maxSort); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to read sort_key", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE task_transitions SET most_recent = FALSE WHERE task_id=$1 AND most_recent`, taskID); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to clear most_recent", err)
	}
	if err := insertTransition(ctx, tx, "task_transitions", "task_id", taskID, string(from), string(to), metadata, maxSort+1, time.Now()); err != nil {
		return err
	}
	complete := to == task.TaskComplete
	if _, err := tx.Exec(ctx, `UPDATE tasks SET current_state = $2, complete = $3 WHERE id = $1`, taskID, string(to), complete); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to update task row", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to commit task transition", err)
	}
	return nil
}

func (s *PostgresStore) EnqueueReenqueue(ctx context.Context, taskID task.ID, reason string, visibleAt time.Time, debounce time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO work_queue (task_id, reason, visible_at, enqueued_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (task_id, reason) DO UPDATE SET visible_at = EXCLUDED.visible_at, enqueued_at = EXCLUDED.enqueued_at
		WHERE work_queue.enqueued_at < $5`,
		taskID, reason, visibleAt.Unix(), now.Unix(), now.Add(-debounce).Unix())
	if err != nil {
		return false, orcherrors.New(orcherrors.CodeIoError, "store", "failed to enqueue reenqueue", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]task.ID, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT task_id, reason FROM work_queue
			WHERE visible_at <= $1
			ORDER BY visible_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		DELETE FROM work_queue
		USING due
		WHERE work_queue.task_id = due.task_id AND work_queue.reason = due.reason
		RETURNING work_queue.task_id`, now.Unix(), limit)
	if err != nil {
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to claim due reenqueues", err)
	}
	defer rows.Close()

	var out []task.ID
	for rows.Next() {
		var id task.ID
		if err := rows.Scan(&id); err != nil {
			return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to scan claimed reenqueue", err)
		}
		out = append(out, id)
	}
	return out, nil
}
