// Package runstate provides a durable state machine for agent runs.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and service
//	db, _ := gorm.Open(sqlite.Open("runs.db"), &gorm.Config{})
//	store := runstate.NewGormStorage(db)
//	store.Migrate(context.Background())
//	svc := runstate.New(store)
//
//	// Create a run
//	run, _ := svc.Create(ctx, runstate.CreateParams{
//	    OwnerID:  "user-1",
//	    TaskType: "agent.research",
//	    Input:    datatypes.JSON(`{"query":"tides"}`),
//	})
//
//	// Start a worker pool
//	pool := runstate.NewPool(svc)
//	pool.Register("agent.research", researchExecutor)
//	pool.Start(ctx)
package runstate

import (
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/tidewater-ai/runstate/pkg/backoff"
	"github.com/tidewater-ai/runstate/pkg/core"
	"github.com/tidewater-ai/runstate/pkg/machine"
	"github.com/tidewater-ai/runstate/pkg/security"
	"github.com/tidewater-ai/runstate/pkg/service"
	"github.com/tidewater-ai/runstate/pkg/storage"
	"github.com/tidewater-ai/runstate/pkg/worker"
)

// Type aliases
type (
	// Run is a single durable agent run and its lifecycle bookkeeping.
	Run = core.Run

	// Step is one entry in a run's gapless execution ledger.
	Step = core.Step

	// Event is one append-only audit record of a state transition.
	Event = core.Event

	// RunState is the lifecycle state of a run.
	RunState = core.RunState

	// StepState is the lifecycle state of a step.
	StepState = core.StepState

	// Trigger records who caused a transition.
	Trigger = core.Trigger

	// TransitionError reports a disallowed state change.
	TransitionError = core.TransitionError

	// StoreError wraps a persistence failure with its operation.
	StoreError = core.StoreError

	// Service is the high-level API over runs: create, claim, pause,
	// resume, retry, cancel, complete, fail.
	Service = service.Service

	// CreateParams describes a new run.
	CreateParams = service.CreateParams

	// Checkpoint is a persisted progress snapshot.
	Checkpoint = service.Checkpoint

	// Failure describes a run failure outcome.
	Failure = service.Failure

	// RunDetail is a run together with its steps and audit events.
	RunDetail = service.RunDetail

	// Engine validates and applies state transitions.
	Engine = machine.Engine

	// HookFunc runs after a specific transition commits.
	HookFunc = machine.HookFunc

	// Pool claims and executes runs.
	Pool = worker.Pool

	// ExecutorFunc runs one claimed run.
	ExecutorFunc = worker.ExecutorFunc

	// GormStorage is the GORM-backed persistence layer.
	GormStorage = storage.GormStorage

	// PoolConfig holds connection pool configuration for the run store.
	PoolConfig = storage.PoolConfig

	// PoolOption configures connection pool settings.
	PoolOption = storage.PoolOption

	// Strategy computes retry delays.
	Strategy = backoff.Strategy

	// ServiceOption configures a Service.
	ServiceOption = service.Option

	// EngineOption configures an Engine.
	EngineOption = machine.Option

	// WorkerOption configures a worker Pool.
	WorkerOption = worker.Option
)

// Run states
const (
	StateCreated   = core.StateCreated
	StatePending   = core.StatePending
	StateRunning   = core.StateRunning
	StatePaused    = core.StatePaused
	StateResuming  = core.StateResuming
	StateRetrying  = core.StateRetrying
	StateCompleted = core.StateCompleted
	StateFailed    = core.StateFailed
	StateCancelled = core.StateCancelled
	StateTimeout   = core.StateTimeout
)

// Transition triggers
const (
	TriggerUser   = core.TriggerUser
	TriggerSystem = core.TriggerSystem
)

// Limits
const (
	MaxRetryDelay         = core.MaxRetryDelay
	MaxTaskTypeLength     = security.MaxTaskTypeLength
	MaxOwnerIDLength      = security.MaxOwnerIDLength
	MaxTaskInputSize      = security.MaxTaskInputSize
	MaxCheckpointSize     = security.MaxCheckpointSize
	MaxRetries            = security.MaxRetries
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrRunNotFound            = core.ErrRunNotFound
	ErrStepNotFound           = core.ErrStepNotFound
	ErrInvalidTransition      = core.ErrInvalidTransition
	ErrConcurrentModification = core.ErrConcurrentModification
	ErrRetryExhausted         = core.ErrRetryExhausted
	ErrInvalidState           = core.ErrInvalidState
	ErrNotClaimOwner          = core.ErrNotClaimOwner
	ErrInvalidOwnerID         = core.ErrInvalidOwnerID
	ErrInvalidTaskType        = core.ErrInvalidTaskType
)

// New creates a new Service over the given storage.
func New(store *GormStorage, opts ...service.Option) *Service {
	return service.New(store, opts...)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewGormStorageWithPool creates a GORM-backed storage with connection
// pooling configured, for deployments where many workers poll one database.
func NewGormStorageWithPool(db *gorm.DB, opts ...PoolOption) (*GormStorage, error) {
	return storage.NewGormStorageWithPool(db, opts...)
}

// ConfigurePool applies pool configuration to a GORM database connection.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	return storage.ConfigurePool(db, opts...)
}

// NewEngine creates a transition engine over the given storage.
func NewEngine(store *GormStorage, opts ...machine.Option) *Engine {
	return machine.New(store, opts...)
}

// NewPool creates a worker pool for the given service.
func NewPool(svc *Service, opts ...worker.Option) *Pool {
	return worker.New(svc, opts...)
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to RunState) bool {
	return core.CanTransition(from, to)
}

// AllowedTargets returns the states reachable from a given state.
func AllowedTargets(from RunState) []RunState {
	return core.AllowedTargets(from)
}

// IsTerminal reports whether a state permits no further transitions.
func IsTerminal(s RunState) bool {
	return core.IsTerminal(s)
}

// Backoff strategies

// ConstantBackoff retries at a fixed delay.
func ConstantBackoff(d time.Duration) Strategy {
	return backoff.NewConstant(d)
}

// ExponentialBackoff doubles the delay each attempt up to max.
func ExponentialBackoff(base, max time.Duration) Strategy {
	return backoff.NewExponential(base, max)
}

// Service option functions

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return service.WithLogger(l)
}

// WithEngine replaces the service's transition engine.
func WithEngine(e *Engine) ServiceOption {
	return service.WithEngine(e)
}

// WithLeaseDuration sets how long worker claims remain valid between
// heartbeats.
func WithLeaseDuration(d time.Duration) ServiceOption {
	return service.WithLeaseDuration(d)
}

// Engine option functions

// WithBackoff sets the engine's retry delay strategy.
func WithBackoff(s Strategy) EngineOption {
	return machine.WithBackoff(s)
}

// Connection pool option functions

// MaxOpenConns sets the maximum number of open connections.
func MaxOpenConns(n int) PoolOption {
	return storage.MaxOpenConns(n)
}

// MaxIdleConns sets the maximum number of idle connections.
func MaxIdleConns(n int) PoolOption {
	return storage.MaxIdleConns(n)
}

// ConnMaxLifetime sets the maximum connection lifetime.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return storage.ConnMaxLifetime(d)
}

// ConnMaxIdleTime sets the maximum idle time for connections.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return storage.ConnMaxIdleTime(d)
}

// Worker option functions

// WithWorkerID sets the worker identity recorded on claims.
func WithWorkerID(id string) WorkerOption {
	return worker.WithWorkerID(id)
}

// WithConcurrency sets how many runs execute at once.
func WithConcurrency(n int) WorkerOption {
	return worker.WithConcurrency(n)
}

// WithPollInterval sets how often the pool polls for claimable runs.
func WithPollInterval(d time.Duration) WorkerOption {
	return worker.WithPollInterval(d)
}

// WithHeartbeatInterval sets how often leases on in-flight runs are extended.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return worker.WithHeartbeatInterval(d)
}

// WithSweepSpec sets the cron spec for the maintenance sweep.
func WithSweepSpec(spec string) WorkerOption {
	return worker.WithSweepSpec(spec)
}

// Validation helpers

// ValidateTaskType validates a task type identifier.
func ValidateTaskType(s string) error {
	return security.ValidateTaskType(s)
}

// ValidateOwnerID validates an owner identifier.
func ValidateOwnerID(s string) error {
	return security.ValidateOwnerID(s)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}
