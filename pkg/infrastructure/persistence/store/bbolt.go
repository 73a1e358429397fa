package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/evaluator"
)

// BboltStore is an embedded, single-process Store implementation, adapted
// from a BoltDB-backed session store. It satisfies the Store
// interface by delegating all in-memory bookkeeping to a MemoryStore and
// persisting a full snapshot of that state to a single bbolt bucket after
// every mutation.
//
// It does NOT provide the multi-process row-level locking guarantees the
// production PostgresStore does: WithTaskLock here is an in-process
// per-task mutex. Running more than one worker process against the same
// bbolt file is unsupported.
type BboltStore struct {
	db  *bbolt.DB
	mu  sync.Mutex
	mem *MemoryStore
}

const bboltBucket = "orchestrator_state"
const bboltKey = "snapshot"

// NewBboltStore opens (creating if necessary) a bbolt database at dbPath
// and restores any previously persisted state.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "resource temporarily unavailable") {
			return nil, orcherrors.New(orcherrors.CodeIoError, "store",
				fmt.Sprintf("database file %q is already in use by another orchestrator-worker instance", dbPath), err)
		}
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to open bolt db", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, orcherrors.New(orcherrors.CodeIoError, "store", "failed to create state bucket", err)
	}

	s := &BboltStore{db: db, mem: NewMemoryStore()}
	if err := s.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BboltStore) restore() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bboltBucket)).Get([]byte(bboltKey))
		if data == nil {
			return nil
		}
		var snap memorySnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return orcherrors.New(orcherrors.CodeIoError, "store", "failed to decode persisted state", err)
		}
		s.mem.restoreFrom(snap)
		return nil
	})
}

func (s *BboltStore) persist() error {
	snap := s.mem.snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return orcherrors.New(orcherrors.CodeIoError, "store", "failed to encode state", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bboltBucket)).Put([]byte(bboltKey), data)
	})
}

func (s *BboltStore) Init(ctx context.Context) error { return nil }

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// WithTaskLock serializes coordinator passes per task via the embedded
// MemoryStore's per-task lock map. It must NOT take s.mu: fn re-enters this
// store's data methods, and s.mu is not reentrant.
func (s *BboltStore) WithTaskLock(ctx context.Context, taskID task.ID, fn func(ctx context.Context) error) error {
	return s.mem.WithTaskLock(ctx, taskID, fn)
}

func (s *BboltStore) RegisterNamedTask(ctx context.Context, namespace task.TaskNamespace, nt task.NamedTask, namedSteps []task.NamedStep, joins []task.NamedTaskStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.RegisterNamedTask(ctx, namespace, nt, namedSteps, joins); err != nil {
		return err
	}
	return s.persist()
}

func (s *BboltStore) CreateTask(ctx context.Context, t task.Task, steps []task.WorkflowStep, edges []task.WorkflowStepEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.CreateTask(ctx, t, steps, edges); err != nil {
		return err
	}
	return s.persist()
}

func (s *BboltStore) TaskExecutionSnapshot(ctx context.Context, taskID task.ID) (evaluator.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.TaskExecutionSnapshot(ctx, taskID)
}

func (s *BboltStore) TaskExecutionSnapshots(ctx context.Context, taskIDs []task.ID) ([]evaluator.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.TaskExecutionSnapshots(ctx, taskIDs)
}

func (s *BboltStore) ClaimStep(ctx context.Context, stepID task.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.ClaimStep(ctx, stepID)
	if err != nil || !ok {
		return ok, err
	}
	return ok, s.persist()
}

func (s *BboltStore) ReleaseStep(ctx context.Context, stepID task.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.ReleaseStep(ctx, stepID); err != nil {
		return err
	}
	return s.persist()
}

func (s *BboltStore) TransitionStep(ctx context.Context, stepID task.ID, from, to task.StepState, metadata []byte, update StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.TransitionStep(ctx, stepID, from, to, metadata, update); err != nil {
		return err
	}
	return s.persist()
}

func (s *BboltStore) TransitionTask(ctx context.Context, taskID task.ID, from, to task.TaskState, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.TransitionTask(ctx, taskID, from, to, metadata); err != nil {
		return err
	}
	return s.persist()
}

func (s *BboltStore) EnqueueReenqueue(ctx context.Context, taskID task.ID, reason string, visibleAt time.Time, debounce time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.EnqueueReenqueue(ctx, taskID, reason, visibleAt, debounce)
	if err != nil || !ok {
		return ok, err
	}
	return ok, s.persist()
}

func (s *BboltStore) ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]task.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.mem.ClaimDueReenqueues(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
