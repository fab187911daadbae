package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/nepi-go/nepi/pkg/execution"
)

// RunStatus represents the status of a deploy cycle
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Experiment is a stored experiment description
type Experiment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Design    string    `json:"design"` // JSON encoded execution.Design
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one deploy cycle of an experiment
type Run struct {
	ID           string     `json:"id"`
	ExperimentID string     `json:"experiment_id"`
	Number       int        `json:"number"` // runner iteration, 0 outside a runner
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Metric       *float64   `json:"metric,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

// Transition is a recorded resource state change
type Transition struct {
	ID           int64                   `json:"id"`
	ExperimentID string                  `json:"experiment_id"`
	RunID        string                  `json:"run_id"`
	Guid         execution.Guid          `json:"guid"`
	RType        string                  `json:"rtype"`
	From         execution.ResourceState `json:"from"`
	To           execution.ResourceState `json:"to"`
	Error        *string                 `json:"error,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Event is an append-only log entry for events that are not transitions
type Event struct {
	ID           string              `json:"id"`
	ExperimentID string              `json:"experiment_id"`
	RunID        *string             `json:"run_id,omitempty"`
	Type         execution.EventType `json:"type"`
	Guid         *execution.Guid     `json:"guid,omitempty"`
	Action       *string             `json:"action,omitempty"`
	Details      string              `json:"details"` // JSON encoded execution.Event
	Timestamp    time.Time           `json:"timestamp"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	ExperimentID string
	RunID        string
	Types        []execution.EventType
	Limit        int
	Offset       int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Experiment operations
	SaveExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	RecordRunMetric(ctx context.Context, id string, number int, metric *float64) error
	ListRuns(ctx context.Context, experimentID string, limit, offset int) ([]*Run, error)
	Samples(ctx context.Context, experimentID string) ([]float64, error)

	// Transition operations
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, runID string) ([]*Transition, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	HealthCheck(ctx context.Context) error
}
