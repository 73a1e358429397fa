// Package task defines the persisted entity types, state alphabets, and
// in-memory template model shared by the orchestration core.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ID is a stable identifier for any orchestration entity. All entities use
// UUIDs, matching the identity scheme used throughout the retrieved example
// corpus.
type ID = uuid.UUID

// NewID generates a fresh identifier.
func NewID() ID { return uuid.New() }

// TaskNamespace groups NamedTasks so multiple teams/tenants can share step
// names without collision.
type TaskNamespace struct {
	ID          ID
	Name        string
	Description string
}

// NamedTask is a versioned task template: a named, versioned DAG of
// NamedSteps plus per-template defaults.
type NamedTask struct {
	ID            ID
	NamespaceID   ID
	Name          string
	Version       string // parsed/compared via Masterminds/semver
	Configuration json.RawMessage
}

// NamedStep is a logical step identity shared across task template
// versions (e.g. "fetch_cart", "validate_payment").
type NamedStep struct {
	ID                ID
	DependentSystemID ID
	Name              string
}

// NamedTaskStep records, for one NamedTask, how one NamedStep participates:
// its defaults and its declared dependency edges (by step name, resolved
// against sibling NamedTaskSteps of the same NamedTask).
type NamedTaskStep struct {
	NamedTaskID       ID
	NamedStepID       ID
	Skippable         bool
	DefaultRetryable  bool
	DefaultRetryLimit int
	Dependencies      []string
	HandlerClass      string
	HandlerTimeout    time.Duration
}

// Task is one concrete run of a NamedTask.
type Task struct {
	ID           ID
	NamedTaskID  ID
	Context      json.RawMessage
	IdentityHash string
	RequestedAt  time.Time
	Initiator    string
	Reason       string
	SourceSystem string
	Tags         []string
	Complete     bool
	CreatedAt    time.Time
}

// WorkflowStep is one concrete step instance belonging to a Task.
type WorkflowStep struct {
	ID                    ID
	TaskID                ID
	NamedStepID           ID
	Retryable             bool
	RetryLimit            int
	InProcess             bool
	Processed             bool
	ProcessedAt           *time.Time
	Attempts              int
	LastAttemptedAt       *time.Time
	BackoffRequestSeconds *float64
	// NextRetryAt is the realized retry gate for the most recent failure:
	// the jittered exponential delay is rolled once when the attempt fails
	// and persisted here, so readiness checks and the reenqueuer agree on
	// one value instead of re-drawing the jitter every evaluation.
	NextRetryAt *time.Time
	Inputs      json.RawMessage
	Results     json.RawMessage
	Skippable   bool
}

// WorkflowStepEdge records a dependency: ToStepID depends on FromStepID.
type WorkflowStepEdge struct {
	FromStepID ID
	ToStepID   ID
	Name       string
}

// TaskTransition is one immutable record in a task's state history.
type TaskTransition struct {
	ID         ID
	TaskID     ID
	FromState  TaskState
	ToState    TaskState
	Metadata   json.RawMessage
	SortKey    int64
	MostRecent bool
	CreatedAt  time.Time
}

// WorkflowStepTransition is one immutable record in a step's state history.
type WorkflowStepTransition struct {
	ID         ID
	StepID     ID
	FromState  StepState
	ToState    StepState
	Metadata   json.RawMessage
	SortKey    int64
	MostRecent bool
	CreatedAt  time.Time
}
