package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/tidewater-ai/runstate/pkg/core"
	"github.com/tidewater-ai/runstate/pkg/machine"
	"github.com/tidewater-ai/runstate/pkg/security"
	"github.com/tidewater-ai/runstate/pkg/storage"
)

// DefaultMaxRetries is applied when a run is created without an explicit
// retry limit.
const DefaultMaxRetries = 3

// DefaultLeaseDuration is how long a claim is valid without a heartbeat.
const DefaultLeaseDuration = 5 * time.Minute

// Service implements the run lifecycle operations.
type Service struct {
	store  *storage.GormStorage
	engine *machine.Engine
	logger *slog.Logger
	lease  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithEngine replaces the default engine, e.g. one with a custom backoff
// strategy or pre-registered transition hooks.
func WithEngine(e *machine.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithLeaseDuration sets how long a worker claim remains valid between
// heartbeats.
func WithLeaseDuration(d time.Duration) Option {
	return func(s *Service) { s.lease = d }
}

// New creates a service over the given store.
func New(store *storage.GormStorage, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		lease:  DefaultLeaseDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = machine.New(store, machine.WithLogger(s.logger))
	}
	return s
}

// Engine returns the underlying state machine engine, for registering
// transition hooks.
func (s *Service) Engine() *machine.Engine {
	return s.engine
}

// Store returns the underlying run store.
func (s *Service) Store() *storage.GormStorage {
	return s.store
}

// Checkpoint is the opaque resumption state handed back on resume/retry.
type Checkpoint struct {
	Data datatypes.JSON
	Step int
	At   *time.Time
}

func checkpointOf(run *core.Run) *Checkpoint {
	if len(run.CheckpointData) == 0 && run.CheckpointStep == 0 {
		return nil
	}
	return &Checkpoint{
		Data: run.CheckpointData,
		Step: run.CheckpointStep,
		At:   run.CheckpointAt,
	}
}

// CreateParams describes a new run.
type CreateParams struct {
	OwnerID    string
	TaskType   string
	Input      datatypes.JSON
	MaxRetries int           // 0 means DefaultMaxRetries
	RetryDelay time.Duration // 0 means the engine's backoff strategy
	Timeout    time.Duration // 0 means no deadline
}

// Create inserts a new run and immediately queues it: the run is born in
// created and transitioned to pending so the audit trail records both.
func (s *Service) Create(ctx context.Context, p CreateParams) (*core.Run, error) {
	if err := security.ValidateOwnerID(p.OwnerID); err != nil {
		return nil, err
	}
	if err := security.ValidateTaskType(p.TaskType); err != nil {
		return nil, err
	}
	if err := security.ValidateTaskInput(p.Input); err != nil {
		return nil, err
	}

	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	run := &core.Run{
		OwnerID:      p.OwnerID,
		TaskType:     p.TaskType,
		TaskInput:    p.Input,
		MaxRetries:   security.ClampRetries(maxRetries),
		RetryDelayMs: int(p.RetryDelay / time.Millisecond),
	}
	if p.Timeout > 0 {
		deadline := time.Now().Add(p.Timeout)
		run.TimeoutAt = &deadline
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return s.engine.Transition(ctx, run.ID, core.StatePending, core.TriggerSystem, nil)
}

// ClaimNext atomically hands the next eligible run to workerID, or returns
// (nil, nil) when nothing is claimable. The claim is a lease: the worker
// must heartbeat via ExtendLease or the run returns to the pool.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*core.Run, error) {
	return s.store.ClaimNext(ctx, workerID, s.lease)
}

// ExtendLease refreshes the worker's claim on a run it currently holds.
func (s *Service) ExtendLease(ctx context.Context, runID, workerID string) error {
	return s.store.ExtendLease(ctx, runID, workerID, s.lease)
}

// ReleaseClaim drops the worker's lease, typically once the run has reached
// a terminal-for-timing state.
func (s *Service) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	return s.store.ReleaseClaim(ctx, runID, workerID)
}

// Transition applies a validated state transition. Most callers should use
// the intent-named operations instead; this is the raw engine entry point
// for workers and schedulers.
func (s *Service) Transition(ctx context.Context, runID string, to core.RunState, triggeredBy core.Trigger, metadata map[string]any) (*core.Run, error) {
	return s.engine.Transition(ctx, runID, to, triggeredBy, metadata)
}

// Pause suspends a running run. If a checkpoint is supplied it is persisted
// before the transition, so any reader observing paused sees a consistent
// checkpoint.
func (s *Service) Pause(ctx context.Context, runID string, cp *Checkpoint) (*core.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != core.StateRunning {
		return nil, fmt.Errorf("%w: cannot pause a %s run", core.ErrInvalidState, run.State)
	}

	var payload map[string]any
	if cp != nil {
		if err := security.ValidateCheckpoint(cp.Data); err != nil {
			return nil, err
		}
		if err := s.store.SetCheckpoint(ctx, runID, cp.Data, cp.Step); err != nil {
			return nil, err
		}
		payload = map[string]any{"checkpoint_step": cp.Step}
	}

	return s.engine.Transition(ctx, runID, core.StatePaused, core.TriggerUser, payload)
}

// Resume takes a paused run back to running. The two engine transitions
// (paused -> resuming -> running) are kept separate so the audit trail
// distinguishes "resume requested" from "execution resumed". The stored
// checkpoint is returned so the worker can pick up mid-task.
func (s *Service) Resume(ctx context.Context, runID string) (*core.Run, *Checkpoint, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.State != core.StatePaused {
		return nil, nil, fmt.Errorf("%w: cannot resume a %s run", core.ErrInvalidState, run.State)
	}

	if _, err := s.engine.Transition(ctx, runID, core.StateResuming, core.TriggerUser, nil); err != nil {
		return nil, nil, err
	}
	resumed, err := s.engine.Transition(ctx, runID, core.StateRunning, core.TriggerSystem, nil)
	if err != nil {
		return nil, nil, err
	}
	return resumed, checkpointOf(resumed), nil
}

// Retry re-enters execution after a failure or timeout. It transitions to
// retrying (recording the failure reason), waits out the bounded retry
// delay, then transitions to running. The wait is a cancellable timer: if
// ctx is cancelled the run stays in retrying and becomes claimable once
// its backoff elapses. The pre-failure checkpoint is returned so execution
// resumes mid-task rather than from scratch.
func (s *Service) Retry(ctx context.Context, runID string) (*core.Run, *Checkpoint, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.State != core.StateFailed && run.State != core.StateTimeout {
		return nil, nil, fmt.Errorf("%w: cannot retry a %s run", core.ErrInvalidState, run.State)
	}
	if run.RetryCount >= run.MaxRetries {
		return nil, nil, fmt.Errorf("%w: %d of %d attempts used", core.ErrRetryExhausted, run.RetryCount, run.MaxRetries)
	}

	delay := s.engine.RetryDelay(run)

	var payload map[string]any
	if run.ErrorMessage != "" {
		payload = map[string]any{"reason": run.ErrorMessage}
	}
	if _, err := s.engine.Transition(ctx, runID, core.StateRetrying, core.TriggerUser, payload); err != nil {
		return nil, nil, err
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	running, err := s.engine.Transition(ctx, runID, core.StateRunning, core.TriggerSystem, nil)
	if err != nil {
		return nil, nil, err
	}
	return running, checkpointOf(running), nil
}

// Cancel terminates a run from any non-terminal state. It is an ordinary
// validated transition, not an interrupt: in-flight work is not stopped,
// and the worker must notice the cancellation before persisting results.
func (s *Service) Cancel(ctx context.Context, runID string) (*core.Run, error) {
	return s.engine.Transition(ctx, runID, core.StateCancelled, core.TriggerUser, nil)
}

// Complete persists the result and execution time, then transitions the
// run to completed. Outcome persistence is a plain update (only the owning
// worker writes outcome fields); the transition itself is CAS-protected,
// so a racing cancel still wins or loses cleanly.
func (s *Service) Complete(ctx context.Context, runID string, result datatypes.JSON) (*core.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"result": result}
	if run.StartedAt != nil {
		updates["execution_time_ms"] = time.Since(*run.StartedAt).Milliseconds()
	}
	if err := s.store.UpdateOutcome(ctx, runID, updates); err != nil {
		return nil, err
	}

	return s.engine.Transition(ctx, runID, core.StateCompleted, core.TriggerSystem, nil)
}

// Failure is the terminal error payload recorded on a failed run.
type Failure struct {
	Message string
	Code    string
	Details datatypes.JSON
}

// Fail persists the error payload and execution time, then transitions the
// run to failed.
func (s *Service) Fail(ctx context.Context, runID string, failure Failure) (*core.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"error_message": security.SanitizeErrorMessage(failure.Message),
		"error_code":    failure.Code,
		"error_details": failure.Details,
	}
	if run.StartedAt != nil {
		updates["execution_time_ms"] = time.Since(*run.StartedAt).Milliseconds()
	}
	if err := s.store.UpdateOutcome(ctx, runID, updates); err != nil {
		return nil, err
	}

	return s.engine.Transition(ctx, runID, core.StateFailed, core.TriggerSystem, map[string]any{
		"error_code": failure.Code,
	})
}

// SaveCheckpoint persists progress on behalf of the claiming worker and
// records a checkpoint event. Only the worker holding the lease may write
// checkpoint fields.
func (s *Service) SaveCheckpoint(ctx context.Context, runID, workerID string, data datatypes.JSON, step int) error {
	if err := security.ValidateCheckpoint(data); err != nil {
		return err
	}
	if err := s.store.SaveCheckpoint(ctx, runID, workerID, data, step); err != nil {
		return err
	}

	// Audit only; a failed append never unwinds the saved checkpoint.
	if err := s.store.AppendEvent(ctx, &core.Event{
		RunID:       runID,
		EventType:   core.EventCheckpoint,
		TriggeredBy: core.TriggerSystem,
		EventData:   datatypes.JSON(fmt.Sprintf(`{"checkpoint_step":%d}`, step)),
	}); err != nil {
		s.logger.Error("failed to append checkpoint event", "run_id", runID, "error", err)
	}
	return nil
}

// AddStep opens a new step on the run's ledger in the running state.
func (s *Service) AddStep(ctx context.Context, runID, stepType, stepName string, input datatypes.JSON) (*core.Step, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	step := &core.Step{
		RunID:    runID,
		StepType: stepType,
		StepName: stepName,
		Input:    input,
	}
	if err := s.store.AddStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// CompleteStep records a step's output and closes it.
func (s *Service) CompleteStep(ctx context.Context, stepID string, output datatypes.JSON) (*core.Step, error) {
	return s.store.CompleteStep(ctx, stepID, output)
}

// RunDetail is the full inspection view of a run.
type RunDetail struct {
	Run    *core.Run
	Steps  []core.Step
	Events []core.Event
}

// Get returns a run with its step ledger and audit trail.
func (s *Service) Get(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Steps: steps, Events: events}, nil
}

// GetForOwner is Get scoped to the run's owner. A run owned by someone
// else is reported as not found.
func (s *Service) GetForOwner(ctx context.Context, runID, ownerID string) (*RunDetail, error) {
	if _, err := s.store.GetRunForOwner(ctx, runID, ownerID); err != nil {
		return nil, err
	}
	return s.Get(ctx, runID)
}

// List returns an owner's runs, optionally filtered by state.
func (s *Service) List(ctx context.Context, ownerID string, states ...core.RunState) ([]*core.Run, error) {
	return s.store.ListRuns(ctx, ownerID, states...)
}
