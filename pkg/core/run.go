package core

import (
	"time"

	"gorm.io/datatypes"
)

// RunState represents the current lifecycle state of a run.
type RunState string

const (
	StateCreated   RunState = "created"
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateResuming  RunState = "resuming"
	StateRetrying  RunState = "retrying"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
	StateTimeout   RunState = "timeout"
)

// Trigger identifies who requested a transition.
type Trigger string

const (
	TriggerUser   Trigger = "user"
	TriggerSystem Trigger = "system"
)

// StepState represents the state of a single step within a run.
type StepState string

const (
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
)

// EventType classifies audit log entries.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventCheckpoint  EventType = "checkpoint"
)

// MaxRetryDelay bounds the wait before a retried run re-enters execution.
// A larger per-run retry_delay_ms is capped to this value so a synchronous
// retry never holds a request handler for longer.
const MaxRetryDelay = 5 * time.Second

// Run is one execution instance of an agent task, tracked through the
// lifecycle state machine. The state column is mutated exclusively through
// validated, version-checked transitions; the version column is the
// optimistic concurrency token.
type Run struct {
	ID        string         `gorm:"primaryKey;size:36"`
	OwnerID   string         `gorm:"index;size:64;not null"`
	TaskType  string         `gorm:"index;size:255;not null"`
	TaskInput datatypes.JSON `gorm:"type:json"`

	State          RunState `gorm:"index;size:20;default:'created'"`
	PreviousState  RunState `gorm:"size:20"`
	Version        int      `gorm:"not null;default:1"`
	StateChangedAt *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time
	PausedAt    *time.Time
	ResumedAt   *time.Time
	LastRetryAt *time.Time

	RetryCount    int        `gorm:"default:0"`
	MaxRetries    int        `gorm:"default:3"`
	RetryDelayMs  int        `gorm:"default:0"`
	NextAttemptAt *time.Time `gorm:"index"` // earliest time a retrying run is claimable

	CheckpointData datatypes.JSON `gorm:"type:json"`
	CheckpointStep int            `gorm:"default:0"`
	CheckpointAt   *time.Time

	TimeoutAt *time.Time `gorm:"index"`

	// Lease-based claim. A run with a live lease belongs to exactly one
	// worker; a crashed worker's lease expires and the run is reclaimed.
	ClaimedBy      string     `gorm:"index;size:255"`
	LeaseExpiresAt *time.Time `gorm:"index"`

	Result          datatypes.JSON `gorm:"type:json"`
	ErrorMessage    string         `gorm:"type:text"`
	ErrorCode       string         `gorm:"size:64"`
	ErrorDetails    datatypes.JSON `gorm:"type:json"`
	ExecutionTimeMs int64          `gorm:"default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Claimed reports whether the run currently holds a live lease.
func (r *Run) Claimed(now time.Time) bool {
	return r.ClaimedBy != "" && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// Step is an ordered sub-unit of work within a run. Step numbers for a run
// are gapless and strictly increasing; a step that needs correction is
// superseded by a new step, never rewritten.
type Step struct {
	ID         string `gorm:"primaryKey;size:36"`
	RunID      string `gorm:"uniqueIndex:idx_steps_run_number,priority:1;size:36;not null"`
	StepNumber int    `gorm:"uniqueIndex:idx_steps_run_number,priority:2;not null"`

	StepType string         `gorm:"size:255;not null"`
	StepName string         `gorm:"size:255"`
	Input    datatypes.JSON `gorm:"type:json"`
	Output   datatypes.JSON `gorm:"type:json"`

	State       StepState `gorm:"size:20;default:'running'"`
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  int64 `gorm:"default:0"`
}

// Event is an append-only audit record of a transition or checkpoint.
// Rows are never updated or deleted after insertion.
type Event struct {
	ID          string         `gorm:"primaryKey;size:36"`
	RunID       string         `gorm:"index;size:36;not null"`
	EventType   EventType      `gorm:"size:20;not null"`
	FromState   RunState       `gorm:"size:20"`
	ToState     RunState       `gorm:"size:20"`
	TriggeredBy Trigger        `gorm:"size:10"`
	EventData   datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
}
